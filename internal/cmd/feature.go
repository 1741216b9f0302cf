package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/pkg/feature"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
)

// driverEnv is newEnv for commands that talk to the kernel.
func driverEnv(c *cli.Context) (*env, error) {
	e, err := newEnv(c)
	if err != nil {
		return nil, err
	}
	if !e.driver.Present() {
		return nil, constants.ErrNoDriver
	}
	return e, nil
}

func writeFeatures(w io.Writer, c feature.Config) error {
	for _, id := range feature.Known() {
		v, ok := c[id]
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s=%d\n", id, v); err != nil {
			return err
		}
	}
	return nil
}

var featureCommand = &cli.Command{
	Name:  "feature",
	Usage: "manage kernel features",
	Subcommands: []*cli.Command{
		{
			Name:      "get",
			ArgsUsage: "<name|id>",
			Action: func(c *cli.Context) error {
				id, err := feature.Parse(c.Args().First())
				if err != nil {
					return err
				}
				e, err := driverEnv(c)
				if err != nil {
					return err
				}
				v, supported, err := e.driver.GetFeature(uint32(id))
				if err != nil {
					return err
				}
				if !supported {
					return fmt.Errorf("feature %s is not supported by the kernel", id)
				}
				_, err = fmt.Fprintln(c.App.Writer, v)
				return err
			},
		},
		{
			Name:      "set",
			ArgsUsage: "<name|id> <value>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return fmt.Errorf("set takes a feature and a value")
				}
				id, err := feature.Parse(c.Args().Get(0))
				if err != nil {
					return err
				}
				v, err := strconv.ParseUint(c.Args().Get(1), 0, 64)
				if err != nil {
					return fmt.Errorf("invalid value '%s': %w", c.Args().Get(1), err)
				}
				e, err := driverEnv(c)
				if err != nil {
					return err
				}
				return e.driver.SetFeature(uint32(id), v)
			},
		},
		{
			Name:  "list",
			Usage: "list known features with their kernel value",
			Action: func(c *cli.Context) error {
				e, err := newEnv(c)
				if err != nil {
					return err
				}
				current := feature.Config{}
				if e.driver.Present() {
					current = feature.Snapshot(e.driver)
				}
				for _, id := range feature.Known() {
					value := "unsupported"
					if v, ok := current[id]; ok {
						value = strconv.FormatUint(v, 10)
					}
					if _, err := fmt.Fprintf(c.App.Writer, "%d %s [%s]: %s\n", uint32(id), id, value, id.Description()); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Name:  "save",
			Usage: "persist the current kernel values",
			Action: func(c *cli.Context) error {
				e, err := driverEnv(c)
				if err != nil {
					return err
				}
				return feature.Save(vfs.OSFS, e.layout.FeatureConfig(), feature.Snapshot(e.driver))
			},
		},
		{
			Name:  "load",
			Usage: "print the persisted values",
			Action: func(c *cli.Context) error {
				e, err := newEnv(c)
				if err != nil {
					return err
				}
				cfg, err := feature.Load(vfs.OSFS, e.layout.FeatureConfig())
				if err != nil {
					return err
				}
				return writeFeatures(c.App.Writer, cfg)
			},
		},
		{
			Name:  "apply",
			Usage: "push the persisted values to the kernel",
			Action: func(c *cli.Context) error {
				e, err := driverEnv(c)
				if err != nil {
					return err
				}
				cfg, err := feature.Load(vfs.OSFS, e.layout.FeatureConfig())
				if err != nil {
					return err
				}
				return feature.Apply(e.driver, cfg)
			},
		},
	},
}
