package cmd

import (
	"context"
	"fmt"

	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/internal/version"
	"github.com/kernelsu/ksud/pkg/dag"
	"github.com/kernelsu/ksud/pkg/driver"
	"github.com/kernelsu/ksud/pkg/module"
	"github.com/kernelsu/ksud/pkg/schema"
	"github.com/kernelsu/ksud/pkg/state"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
)

// env is resolved once per invocation from the global flags.
type env struct {
	layout schema.Layout
	driver driver.Session
}

func newEnv(c *cli.Context) (*env, error) {
	l, err := utils.LoadLayout(c.String("layout"))
	if err != nil {
		return nil, err
	}
	utils.Log.Debug().Interface("layout", l).Msg("layout")
	return &env{layout: l, driver: driver.Default()}, nil
}

func (e *env) scripts() *utils.ScriptRunner {
	r := &utils.ScriptRunner{Layout: e.layout}
	if e.driver.Present() {
		v, _, err := e.driver.Version()
		if err != nil {
			utils.Log.Warn().Err(err).Msg("reading driver version")
		}
		r.KernelVersion = v
	}
	return r
}

func (e *env) registry() *module.Registry {
	return module.New(e.layout, e.scripts())
}

func (e *env) modsys() module.System {
	return module.Select(vfs.OSFS, e.layout, e.registry())
}

// mountMode returns the requested built-in mount mode, magic when the value is unknown.
func mountMode(c *cli.Context) string {
	switch m := c.String("mount-mode"); m {
	case state.MountModeMagic, state.MountModeOverlay:
		return m
	case "":
	default:
		utils.Log.Error().Str("mode", m).Msg("unknown mount mode, using magic mount")
	}
	return state.MountModeMagic
}

// runStage builds the DAG of a boot stage and runs it. Stage failures are logged and never
// returned, init must not see a failing stage.
func runStage(c *cli.Context, register func(*state.State, *herd.Graph) error) error {
	stage := c.Command.Name
	e, err := newEnv(c)
	if err != nil {
		utils.Log.Err(err).Str("stage", stage).Msg("loading layout, using defaults")
		e = &env{layout: schema.DefaultLayout(), driver: driver.Default()}
	}
	s := state.New(e.layout, e.driver, e.scripts())
	s.MountMode = mountMode(c)
	if c.Bool("no-bootlog") {
		s.Bootlog = nil
	}

	g := herd.DAG(herd.EnableInit)
	if err := register(s, g); err != nil {
		utils.Log.Err(err).Str("stage", stage).Msg("registering stage steps")
	}
	utils.Log.Info().Msg(s.WriteDAG(g))

	// Once we print the dag we can exit already
	if c.Bool("dry-run") {
		return nil
	}

	err = g.Run(context.Background())
	utils.Log.Info().Msg(s.WriteDAG(g))
	if err != nil {
		utils.Log.Err(err).Str("stage", stage).Msg("stage finished with errors")
	}
	return nil
}

var dryRunFlag = &cli.BoolFlag{
	Name:  "dry-run",
	Usage: "print the stage steps without running them",
}

var stageCommands = []*cli.Command{
	{
		Name:  "post-fs-data",
		Usage: "run the post-fs-data stage",
		Description: `
Mounts the module image, applies module props and policy, mounts the module files
over the partitions and runs the post-fs-data scripts. Invoked by init.
`,
		Flags: []cli.Flag{
			dryRunFlag,
			&cli.StringFlag{
				Name:    "mount-mode",
				Usage:   "built-in module mount: magic or overlay",
				EnvVars: []string{"KSUD_MOUNT_MODE"},
				Value:   state.MountModeMagic,
			},
			&cli.BoolFlag{
				Name:  "no-bootlog",
				Usage: "do not capture logcat and dmesg",
			},
		},
		Action: func(c *cli.Context) error {
			utils.ClearUmask()
			return runStage(c, dag.RegisterPostFsData)
		},
	},
	{
		Name:    "services",
		Aliases: []string{"service"},
		Usage:   "run the late_start service stage",
		Flags:   []cli.Flag{dryRunFlag},
		Action: func(c *cli.Context) error {
			return runStage(c, dag.RegisterService)
		},
	},
	{
		Name:  "boot-completed",
		Usage: "run the boot-completed stage",
		Flags: []cli.Flag{dryRunFlag},
		Action: func(c *cli.Context) error {
			return runStage(c, dag.RegisterBootCompleted)
		},
	},
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "print the version",
	Action: func(c *cli.Context) error {
		v := version.Get()
		utils.Log.Debug().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Msg("ksud")
		_, err := fmt.Fprintf(c.App.Writer, "%s (%s)\n", v.Version, v.VersionCode)
		return err
	},
}

// Commands is the full ksud command set.
var Commands = append(append([]*cli.Command{}, stageCommands...),
	moduleCommand,
	featureCommand,
	mountCommand,
	debugCommand,
	versionCommand,
)

// NewApp returns the ksud command line.
func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ksud"
	app.Usage = "KernelSU userspace daemon"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "KernelSU authors"}}
	app.HideVersion = true
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			EnvVars: []string{"KSUD_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "layout",
			Usage:   "layout env file",
			EnvVars: []string{"KSUD_LAYOUT"},
		},
	}
	app.Before = func(c *cli.Context) error {
		utils.SetLogger(c.Bool("debug"))
		return nil
	}
	app.Commands = Commands
	return app
}
