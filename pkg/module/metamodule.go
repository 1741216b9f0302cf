package module

import (
	"errors"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
)

var (
	ErrMetamoduleDisabled = errors.New("metamodule is disabled, enable it before installing modules")
	ErrMetamoduleUnstable = errors.New("metamodule has pending changes, reboot before installing modules")
)

// Metamodule returns the directory of the installed metamodule. The link at MetamoduleDir
// wins, otherwise the module dir is searched for a module declaring metamodule=1.
func (r *Registry) Metamodule() (string, bool) {
	link := r.Layout.MetamoduleDir
	if target, err := r.FS.Readlink(link); err == nil {
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(link), target)
		}
		if r.isDir(target) {
			return target, true
		}
		utils.Log.Warn().Str("target", target).Msg("metamodule link points nowhere")
	}

	mods, err := r.List()
	if err != nil {
		return "", false
	}
	for _, m := range mods {
		if IsMetamodule(m.Props) {
			return m.Path, true
		}
	}
	return "", false
}

// MetaScript returns the path of a metamodule hook, false when there is no enabled
// metamodule or it does not ship the script.
func (r *Registry) MetaScript(name string) (string, bool) {
	dir, ok := r.Metamodule()
	if !ok {
		return "", false
	}
	if r.exists(filepath.Join(dir, constants.DisableFileName)) {
		utils.Log.Info().Str("script", name).Msg("metamodule disabled, skipping hook")
		return "", false
	}
	script := filepath.Join(dir, name)
	if !r.exists(script) {
		return "", false
	}
	return script, true
}

// RunMetaMount runs metamount.sh over moduleDir. It reports false when no hook ran.
func (r *Registry) RunMetaMount(moduleDir string) (bool, error) {
	script, ok := r.MetaScript(constants.MetamoduleMountScript)
	if !ok {
		return false, nil
	}
	utils.Log.Info().Str("script", script).Msg("mounting through metamodule")
	return true, r.Scripts.Run(script, true, "MODULE_DIR="+moduleDir)
}

// RunMetaStage runs the metamodule's own <stage>.sh.
func (r *Registry) RunMetaStage(stage string, wait bool) error {
	script, ok := r.MetaScript(stage + ".sh")
	if !ok {
		return nil
	}
	return r.Scripts.Run(script, wait)
}

func (r *Registry) runMetaUninstall(id string) error {
	script, ok := r.MetaScript(constants.MetamoduleUninstallScript)
	if !ok {
		return nil
	}
	utils.Log.Info().Str("module", id).Msg("running metauninstall.sh")
	return r.Scripts.Run(script, true, "MODULE_ID="+id)
}

// CheckInstallSafety refuses installs while a metamodule owning the install flow has
// pending changes.
func (r *Registry) CheckInstallSafety() error {
	dir, ok := r.Metamodule()
	if !ok {
		return nil
	}
	staged := filepath.Join(r.Layout.ModuleUpdateDir, filepath.Base(dir), constants.MetamoduleInstallScript)
	if !r.exists(filepath.Join(dir, constants.MetamoduleInstallScript)) && !r.exists(staged) {
		return nil
	}
	update := r.exists(filepath.Join(dir, constants.UpdateFileName))
	remove := r.exists(filepath.Join(dir, constants.RemoveFileName))
	disable := r.exists(filepath.Join(dir, constants.DisableFileName))
	switch {
	case !update && !remove && !disable:
		return nil
	case disable && !update && !remove:
		return ErrMetamoduleDisabled
	default:
		return ErrMetamoduleUnstable
	}
}

// EnsureMetaSymlink points MetamoduleDir at the module living at path.
func (r *Registry) EnsureMetaSymlink(path string) error {
	link := r.Layout.MetamoduleDir
	if err := r.FS.RemoveAll(link); err != nil {
		return err
	}
	utils.Log.Info().Str("link", link).Str("target", path).Msg("linking metamodule")
	return r.FS.Symlink(path, link)
}

func (r *Registry) RemoveMetaSymlink() error {
	link := r.Layout.MetamoduleDir
	if _, err := r.FS.Readlink(link); err != nil {
		return nil
	}
	return r.FS.Remove(link)
}
