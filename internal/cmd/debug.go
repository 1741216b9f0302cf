package cmd

import (
	"fmt"
	"runtime"

	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/magic"
	"github.com/kernelsu/ksud/pkg/overlay"
	"github.com/urfave/cli/v2"
)

var mountCommand = &cli.Command{
	Name:  "mount",
	Usage: "mount module files",
	Subcommands: []*cli.Command{
		{
			Name:  "systemless",
			Usage: "overlay the enabled modules over the partitions",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "pid",
					Usage: "mount inside the mount namespace of this process",
				},
			},
			Action: func(c *cli.Context) error {
				e, err := newEnv(c)
				if err != nil {
					return err
				}
				if pid := c.Int("pid"); pid > 0 {
					runtime.LockOSThread()
					defer runtime.UnlockOSThread()
					if err := utils.SwitchMntNs(pid); err != nil {
						return err
					}
				}
				mods, err := e.registry().Active()
				if err != nil {
					return err
				}
				return overlay.New(e.layout.Root).MountSystemlessly(mods)
			},
		},
	},
}

var debugCommand = &cli.Command{
	Name:  "debug",
	Usage: "debugging helpers",
	Subcommands: []*cli.Command{
		{
			Name:  "version",
			Usage: "print the kernel driver version",
			Action: func(c *cli.Context) error {
				e, err := driverEnv(c)
				if err != nil {
					return err
				}
				v, flags, err := e.driver.Version()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.App.Writer, "Kernel Version: %d\nFlags: %#x\n", v, flags)
				return err
			},
		},
		{
			Name:  "mount-plan",
			Usage: "print the magic mount tree and the mounts it would issue",
			Action: func(c *cli.Context) error {
				e, err := newEnv(c)
				if err != nil {
					return err
				}
				mods, err := e.registry().Active()
				if err != nil {
					return err
				}
				plan, err := magic.New(e.layout).DescribePlan(mods)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(c.App.Writer, plan)
				return err
			},
		},
		{
			Name:      "xcp",
			Usage:     "copy a file keeping its holes",
			ArgsUsage: "<src> <dst>",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "punch-hole",
					Usage: "punch holes in dst where src has zero blocks",
				},
			},
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return fmt.Errorf("xcp takes a source and a destination")
				}
				return utils.CopySparseFile(c.Args().Get(0), c.Args().Get(1), c.Bool("punch-hole"))
			},
		},
	},
}
