package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/kernelsu/ksud/pkg/modconfig"
	"github.com/kernelsu/ksud/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// idCommand builds a module subcommand taking a single module id.
func idCommand(name, usage string, do func(e *env, id string) error) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("%s takes exactly one module id", name)
			}
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			return do(e, c.Args().First())
		},
	}
}

// writeModules renders mods as a JSON array or a YAML list.
func writeModules(w io.Writer, mods []schema.Module, format string) error {
	if mods == nil {
		mods = []schema.Module{}
	}
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(mods)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(mods)
	}
	return fmt.Errorf("unknown output format '%s'", format)
}

// writeConfig prints key=value lines in key order.
func writeConfig(w io.Writer, c map[string]string) error {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s=%s\n", k, c[k]); err != nil {
			return err
		}
	}
	return nil
}

var tempFlag = &cli.BoolFlag{
	Name:  "temp",
	Usage: "use the config cleared at every boot",
}

func configKind(c *cli.Context) modconfig.Kind {
	if c.Bool("temp") {
		return modconfig.Temp
	}
	return modconfig.Persist
}

// configAction resolves the module the config command applies to, KSU_MODULE inside module scripts.
func configAction(nargs int, do func(c *cli.Context, s *modconfig.Store, id string) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() != nargs {
			return fmt.Errorf("%s takes %d arguments", c.Command.Name, nargs)
		}
		id := c.String("module")
		if id == "" {
			return fmt.Errorf("no module given, set --module or KSU_MODULE")
		}
		if err := schema.ValidateModuleID(id); err != nil {
			return err
		}
		e, err := newEnv(c)
		if err != nil {
			return err
		}
		return do(c, modconfig.NewStore(vfs.OSFS, e.layout.ModuleConfigDir), id)
	}
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "manage module config entries",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "module",
			Aliases: []string{"m"},
			EnvVars: []string{"KSU_MODULE"},
		},
	},
	Subcommands: []*cli.Command{
		{
			Name:      "get",
			ArgsUsage: "<key>",
			Action: configAction(1, func(c *cli.Context, s *modconfig.Store, id string) error {
				merged, err := s.Merged(id)
				if err != nil {
					return err
				}
				v, ok := merged[c.Args().First()]
				if !ok {
					return fmt.Errorf("key '%s' not found", c.Args().First())
				}
				_, err = fmt.Fprintln(c.App.Writer, v)
				return err
			}),
		},
		{
			Name:      "set",
			ArgsUsage: "<key> <value>",
			Flags:     []cli.Flag{tempFlag},
			Action: configAction(2, func(c *cli.Context, s *modconfig.Store, id string) error {
				return s.Set(id, c.Args().Get(0), c.Args().Get(1), configKind(c))
			}),
		},
		{
			Name:      "delete",
			ArgsUsage: "<key>",
			Flags:     []cli.Flag{tempFlag},
			Action: configAction(1, func(c *cli.Context, s *modconfig.Store, id string) error {
				return s.Delete(id, c.Args().First(), configKind(c))
			}),
		},
		{
			Name: "list",
			Action: configAction(0, func(c *cli.Context, s *modconfig.Store, id string) error {
				merged, err := s.Merged(id)
				if err != nil {
					return err
				}
				return writeConfig(c.App.Writer, merged)
			}),
		},
		{
			Name:  "clear",
			Flags: []cli.Flag{tempFlag},
			Action: configAction(0, func(c *cli.Context, s *modconfig.Store, id string) error {
				return s.Clear(id, configKind(c))
			}),
		},
	},
}

var moduleCommand = &cli.Command{
	Name:  "module",
	Usage: "manage modules",
	Subcommands: []*cli.Command{
		{
			Name:      "install",
			Usage:     "install a module zip",
			ArgsUsage: "<zip>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return fmt.Errorf("install takes exactly one zip")
				}
				e, err := newEnv(c)
				if err != nil {
					return err
				}
				return e.modsys().Install(c.Args().First())
			},
		},
		idCommand("uninstall", "uninstall a module on next boot", func(e *env, id string) error {
			return e.modsys().Uninstall(id)
		}),
		idCommand("enable", "enable a module", func(e *env, id string) error {
			return e.modsys().Enable(id)
		}),
		idCommand("disable", "disable a module", func(e *env, id string) error {
			return e.modsys().Disable(id)
		}),
		idCommand("action", "run the action script of a module", func(e *env, id string) error {
			return e.modsys().RunAction(id)
		}),
		{
			Name:  "list",
			Usage: "list installed modules",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "json or yaml",
					Value:   "json",
				},
			},
			Action: func(c *cli.Context) error {
				e, err := newEnv(c)
				if err != nil {
					return err
				}
				mods, err := e.modsys().List()
				if err != nil {
					return err
				}
				return writeModules(c.App.Writer, mods, c.String("output"))
			},
		},
		{
			Name:  "shrink",
			Usage: "shrink the module images to their content",
			Action: func(c *cli.Context) error {
				e, err := newEnv(c)
				if err != nil {
					return err
				}
				return e.modsys().ShrinkImages()
			},
		},
		configCommand,
	},
}
