package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deniswernert/go-fstab"
	internalUtils "github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/driver"
	"github.com/kernelsu/ksud/pkg/magic"
	"github.com/kernelsu/ksud/pkg/module"
	"github.com/kernelsu/ksud/pkg/op"
	"github.com/kernelsu/ksud/pkg/overlay"
	"github.com/kernelsu/ksud/pkg/safety"
	"github.com/kernelsu/ksud/pkg/schema"
	"github.com/moby/sys/mountinfo"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
)

// Mount modes of the built-in module mount.
const (
	MountModeMagic   = "magic"
	MountModeOverlay = "overlay"
)

// StageScripts runs stage and module scripts.
type StageScripts interface {
	Run(script string, wait bool, extraEnv ...string) error
	RunDir(dir string, wait bool) error
}

// AssetExtractor drops the bundled helper binaries into the bin dir.
type AssetExtractor interface {
	Extract(binDir string) error
}

// State carries everything the boot stages touch, steps are registered on a herd DAG.
type State struct {
	Layout   schema.Layout
	FS       vfs.FS
	Driver   driver.Session
	Safety   *safety.Sentinel
	Registry *module.Registry
	Scripts  StageScripts
	Assets   AssetExtractor
	// Mounter mounts the scratch tmpfs.
	Mounter op.Mounter
	Magic   *magic.Engine
	Overlay *overlay.Engine
	// MountMode selects the built-in module mount used when no metamodule takes over.
	MountMode string

	HasMagisk func() bool
	Mounted   func(string) (bool, error)
	// Bootlog starts a background log capture, nil disables it.
	Bootlog func(name string, args ...string) error
	// Cgroups moves the runtime into unrestricted cgroups before scripts are spawned.
	Cgroups func(pid int) error

	safeMode bool
	fstabs   []*fstab.Mount
}

// New wires a State for the device.
func New(l schema.Layout, s driver.Session, scripts *internalUtils.ScriptRunner) *State {
	busybox := filepath.Join(l.BinDir, "busybox")
	return &State{
		Layout:    l,
		FS:        vfs.OSFS,
		Driver:    s,
		Safety:    safety.New(vfs.OSFS, l.SafetyFlag()),
		Registry:  module.New(l, scripts),
		Scripts:   scripts,
		Assets:    BinDirAssets{},
		Mounter:   op.System{},
		Magic:     magic.New(l),
		Overlay:   overlay.New(l.Root),
		MountMode: MountModeMagic,
		HasMagisk: internalUtils.HasMagisk,
		Mounted:   mountinfo.Mounted,
		Bootlog: func(name string, args ...string) error {
			return internalUtils.CaptureBootlog(l.LogDir, busybox, name, args...)
		},
		Cgroups: internalUtils.SwitchCgroups,
	}
}

// SafeMode reports whether this boot runs degraded, valid once the safemode step ran.
func (s *State) SafeMode() bool { return s.safeMode }

// Fstab returns the mounts recorded so far.
func (s *State) Fstab() []*fstab.Mount { return append([]*fstab.Mount{}, s.fstabs...) }

// FstabPath is where WriteFstab records the runtime mounts.
func (s *State) FstabPath() string {
	return filepath.Join(s.Layout.LogDir, "mounts.fstab")
}

func (s *State) WriteFstab() func(context.Context) error {
	return func(ctx context.Context) error {
		fstabFile := s.FstabPath()
		if err := os.MkdirAll(filepath.Dir(fstabFile), 0o755); err != nil {
			return err
		}
		// Truncate, the record only covers this boot
		f, err := os.Create(fstabFile)
		if err != nil {
			return err
		}
		_ = f.Close()
		for _, fst := range s.fstabs {
			internalUtils.Log.Debug().Str("what", fst.String()).Msg("Adding line to fstab")
			select {
			case <-ctx.Done():
			default:
				f, err := os.OpenFile(fstabFile,
					os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if err != nil {
					return err
				}
				if _, err := f.WriteString(fmt.Sprintf("%s\n", fst.String())); err != nil {
					_ = f.Close()
					return err
				}
				_ = f.Close()
			}
		}
		return nil
	}
}

// WriteDAG writes the dag.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps, op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Background, op.WeakDeps, op.Executed)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty.
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error.
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		internalUtils.Log.Err(e).Msg(msgContext)
	}
	return e
}

// AddToFstab will try to add an entry to the fstab list
// Will check if the entry exists before adding it to avoid duplicates.
func (s *State) AddToFstab(tmpFstab *fstab.Mount) {
	found := false
	for _, f := range s.fstabs {
		if f.Spec == tmpFstab.Spec {
			internalUtils.Log.Debug().Interface("existing", f).Interface("duplicated", tmpFstab).Msg("Duplicated fstab entry found, not adding")
			found = true
		}
	}
	if !found {
		s.fstabs = append(s.fstabs, tmpFstab)
	}
}

// BinDirAssets is the extractor used when the binary carries no embedded helpers:
// it only makes sure the bin dir exists for helpers shipped by the manager.
type BinDirAssets struct{}

func (BinDirAssets) Extract(binDir string) error {
	if err := internalUtils.CreateIfNotExists(binDir); err != nil {
		return err
	}
	internalUtils.Log.Debug().Str("where", binDir).Msg("no embedded assets to extract")
	return nil
}
