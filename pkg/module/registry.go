package module

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/image"
	"github.com/kernelsu/ksud/pkg/modconfig"
	"github.com/kernelsu/ksud/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

// Scripts runs module shell scripts with the runtime environment.
type Scripts interface {
	Run(script string, wait bool, extraEnv ...string) error
	RunInline(dir, content string, extraEnv ...string) error
}

// Registry is the view over installed modules and the entry point of every lifecycle operation.
type Registry struct {
	Layout  schema.Layout
	FS      vfs.FS
	Images  *image.Store
	Configs *modconfig.Store
	Scripts Scripts
	Labels  utils.Labeler
	Props   PropLoader
	Policy  PolicyApplier
	// Installer overrides the installer helper chosen per module.
	Installer Installer
	// BootCompleted gates every mutation.
	BootCompleted func() bool
}

func New(l schema.Layout, scripts Scripts) *Registry {
	return &Registry{
		Layout:        l,
		FS:            vfs.OSFS,
		Images:        image.New(l),
		Configs:       modconfig.NewStore(vfs.OSFS, l.ModuleConfigDir),
		Scripts:       scripts,
		Labels:        utils.SELinuxLabels{},
		Props:         ResetProp{Path: filepath.Join(l.BinDir, "resetprop")},
		Policy:        PolicyTool{Path: filepath.Join(l.BinDir, "ksupolicy")},
		BootCompleted: utils.IsBootCompleted,
	}
}

func (r *Registry) exists(path string) bool {
	_, err := r.FS.Lstat(path)
	return err == nil
}

func (r *Registry) isDir(path string) bool {
	st, err := r.FS.Stat(path)
	return err == nil && st.IsDir()
}

func (r *Registry) ensureFile(path string) error {
	if r.exists(path) {
		return nil
	}
	return r.FS.WriteFile(path, nil, 0o644)
}

func (r *Registry) removeFile(path string) error {
	if err := r.FS.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the modules of the active module dir.
func (r *Registry) List() ([]schema.Module, error) {
	return r.ListDir(r.Layout.ModuleDir)
}

// ListDir returns every module below dir sorted by directory name. Entries without a
// readable module.prop are skipped.
func (r *Registry) ListDir(dir string) ([]schema.Module, error) {
	entries, err := r.FS.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var mods []schema.Module
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if !r.isDir(path) {
			continue
		}
		m, err := r.load(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				utils.Log.Warn().Err(err).Str("module", path).Msg("reading module.prop")
			}
			continue
		}
		mods = append(mods, m)
	}
	return mods, nil
}

func (r *Registry) load(path string) (schema.Module, error) {
	buf, err := r.FS.ReadFile(filepath.Join(path, constants.ModuleProp))
	if err != nil {
		return schema.Module{}, err
	}
	props, err := ParseProps(buf)
	if err != nil {
		return schema.Module{}, err
	}
	id := strings.TrimSpace(props["id"])
	if id == "" {
		id = filepath.Base(path)
		props["id"] = id
	}
	return schema.Module{
		ID:      id,
		Path:    path,
		Props:   props,
		Enabled: !r.exists(filepath.Join(path, constants.DisableFileName)),
		Update:  r.exists(filepath.Join(path, constants.UpdateFileName)),
		Remove:  r.exists(filepath.Join(path, constants.RemoveFileName)),
		WebUI:   r.isDir(filepath.Join(path, constants.WebrootDir)),
		Action:  r.exists(filepath.Join(path, constants.ActionScript)),
	}, nil
}

// Get loads a single module from the active module dir.
func (r *Registry) Get(id string) (schema.Module, error) {
	if err := schema.ValidateModuleID(id); err != nil {
		return schema.Module{}, err
	}
	m, err := r.load(filepath.Join(r.Layout.ModuleDir, id))
	if errors.Is(err, fs.ErrNotExist) {
		return m, fmt.Errorf("%s: %w", id, constants.ErrModuleNotFound)
	}
	return m, err
}

// Active returns the modules that are neither disabled nor pending removal.
func (r *Registry) Active() ([]schema.Module, error) {
	mods, err := r.List()
	if err != nil {
		return nil, err
	}
	active := mods[:0]
	for _, m := range mods {
		if !m.Enabled {
			utils.Log.Debug().Str("module", m.ID).Msg("disabled, skipping")
			continue
		}
		if m.Remove {
			utils.Log.Debug().Str("module", m.ID).Msg("pending removal, skipping")
			continue
		}
		active = append(active, m)
	}
	return active, nil
}

// DisableAll flags every module of the active dir as disabled, used when booting in safe mode.
func (r *Registry) DisableAll() error {
	entries, err := r.FS.ReadDir(r.Layout.ModuleDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		path := filepath.Join(r.Layout.ModuleDir, e.Name())
		if !r.isDir(path) {
			continue
		}
		if err := r.ensureFile(filepath.Join(path, constants.DisableFileName)); err != nil {
			utils.Log.Warn().Err(err).Str("module", path).Msg("disabling module")
		}
	}
	return nil
}

// Prune drops the per-boot update markers and deletes the modules flagged for removal,
// running their uninstall.sh first. Leftover dirs without a module.prop, empty ones
// included, are purged as well. Failures are logged and the loop carries on.
func (r *Registry) Prune() error {
	entries, err := r.FS.ReadDir(r.Layout.ModuleDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	meta, _ := r.Metamodule()
	for _, e := range entries {
		path := filepath.Join(r.Layout.ModuleDir, e.Name())
		if !r.isDir(path) {
			continue
		}
		_ = r.removeFile(filepath.Join(path, constants.UpdateFileName))
		if !r.exists(filepath.Join(path, constants.ModuleProp)) {
			if e.Name() == "lost+found" {
				continue
			}
			utils.Log.Info().Str("module", path).Msg("purging leftover module dir")
			if err := r.FS.RemoveAll(path); err != nil {
				utils.Log.Warn().Err(err).Str("module", path).Msg("removing module dir")
			}
			continue
		}
		if !r.exists(filepath.Join(path, constants.RemoveFileName)) {
			continue
		}

		utils.Log.Info().Str("module", path).Msg("removing module")
		uninstaller := filepath.Join(path, constants.UninstallScript)
		if r.exists(uninstaller) {
			if err := r.Scripts.Run(uninstaller, true); err != nil {
				utils.Log.Warn().Err(err).Str("module", path).Msg("uninstall script failed")
			}
		}
		if err := r.FS.RemoveAll(path); err != nil {
			utils.Log.Warn().Err(err).Str("module", path).Msg("removing module dir")
		}
		if path == meta {
			if err := r.RemoveMetaSymlink(); err != nil {
				utils.Log.Warn().Err(err).Msg("removing metamodule link")
			}
		}
	}
	return nil
}

// LoadSepolicy pushes the sepolicy.rule of every active module.
func (r *Registry) LoadSepolicy() error {
	mods, err := r.Active()
	if err != nil {
		return err
	}
	for _, m := range mods {
		rule := filepath.Join(m.Path, constants.SepolicyRuleName)
		if !r.exists(rule) {
			continue
		}
		utils.Log.Info().Str("module", m.ID).Msg("applying sepolicy rules")
		if err := r.Policy.ApplyFile(rule); err != nil {
			utils.Log.Warn().Err(err).Str("module", m.ID).Msg("applying sepolicy rules")
		}
	}
	return nil
}

// LoadSystemProp applies the system.prop of every active module.
func (r *Registry) LoadSystemProp() error {
	mods, err := r.Active()
	if err != nil {
		return err
	}
	for _, m := range mods {
		props := filepath.Join(m.Path, constants.SystemPropName)
		if !r.exists(props) {
			continue
		}
		utils.Log.Info().Str("module", m.ID).Msg("loading system.prop")
		if err := r.Props.LoadFile(props); err != nil {
			utils.Log.Warn().Err(err).Str("module", m.ID).Msg("loading system.prop")
		}
	}
	return nil
}
