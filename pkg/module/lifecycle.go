package module

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/schema"
)

func (r *Registry) ensureBootCompleted() error {
	if r.BootCompleted != nil && !r.BootCompleted() {
		return constants.ErrBootNotCompleted
	}
	return nil
}

// mutate runs fn against the staged image mounted at ModuleUpdateDir and publishes the
// result as the pending update. Unless the update is published the staged image is
// unmounted and discarded, a panic in fn included.
func (r *Registry) mutate(grow uint64, allowCreate bool, fn func(dir string) error) error {
	if err := r.ensureBootCompleted(); err != nil {
		return err
	}
	if err := r.Images.Stage(grow, allowCreate); err != nil {
		return err
	}
	published := false
	defer func() {
		if !published {
			r.Images.Discard()
		}
	}()

	dir := r.Layout.ModuleUpdateDir
	if err := utils.EnsureCleanDir(dir); err != nil {
		return err
	}
	h, err := r.Images.Mount(r.Layout.TmpImage(), dir, true)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	if err := fn(dir); err != nil {
		return err
	}
	if err := h.Close(); err != nil {
		return err
	}
	if err := r.Images.SwapActive(); err != nil {
		return err
	}
	if err := r.Images.MarkUpdate(); err != nil {
		return err
	}
	published = true
	return nil
}

// Install stages the module archive at zipPath into a new pending image.
func (r *Registry) Install(zipPath string) error {
	zipPath, err := filepath.Abs(zipPath)
	if err != nil {
		return err
	}
	if resolved, err := filepath.EvalSymlinks(zipPath); err == nil {
		zipPath = resolved
	}
	props, err := ReadZipProps(zipPath)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(props["id"])
	if id == "" {
		return errors.New("module id not found in module.prop")
	}
	if err := schema.ValidateModuleID(id); err != nil {
		return err
	}
	meta := IsMetamodule(props)
	if !meta {
		if err := r.CheckInstallSafety(); err != nil {
			return err
		}
	}
	size, err := utils.ZipUncompressedSize(zipPath)
	if err != nil {
		return err
	}
	grow := uint64(constants.DefaultGrowSize) + size
	utils.Log.Info().Str("module", id).Uint64("uncompressed", size).Uint64("grow", grow).Msg("installing module")

	if err := utils.CreateIfNotExists(r.Layout.WorkingDir); err != nil {
		return err
	}
	installer := r.installerFor(props)
	err = r.mutate(grow, true, func(dir string) error {
		if err := r.Labels.Set(dir, constants.SystemFileContext); err != nil {
			return fmt.Errorf("labelling %s: %w", dir, err)
		}
		modPath := filepath.Join(dir, id)
		if err := utils.EnsureCleanDir(modPath); err != nil {
			return err
		}
		if err := extractZip(zipPath, modPath); err != nil {
			return err
		}
		if sys := filepath.Join(modPath, "system"); utils.IsDir(sys) {
			if err := os.Chmod(sys, 0o755); err != nil {
				return err
			}
			if err := utils.RestoreSyscon(r.Labels, sys); err != nil {
				return err
			}
		}
		return installer.Install(InstallRequest{Zip: zipPath, ModuleID: id, ModulePath: modPath})
	})
	if err != nil {
		return err
	}
	if meta {
		if err := r.EnsureMetaSymlink(filepath.Join(r.Layout.ModuleDir, id)); err != nil {
			utils.Log.Warn().Err(err).Msg("linking metamodule")
		}
	}
	utils.Log.Info().Str("module", id).Msg("module installed")
	return nil
}

// update runs fn on the staged copy of module id.
func (r *Registry) update(id string, fn func(staged string) error) error {
	if err := schema.ValidateModuleID(id); err != nil {
		return err
	}
	return r.mutate(0, false, func(dir string) error {
		staged := filepath.Join(dir, id)
		if !utils.IsDir(staged) {
			return fmt.Errorf("%s: %w", id, constants.ErrModuleNotFound)
		}
		return fn(staged)
	})
}

// markLive mirrors a flag onto the mounted module dir so the running system reflects it.
func (r *Registry) markLive(id, flag string, set bool) {
	path := filepath.Join(r.Layout.ModuleDir, id)
	if !r.isDir(path) {
		return
	}
	var err error
	if set {
		err = r.ensureFile(filepath.Join(path, flag))
	} else {
		err = r.removeFile(filepath.Join(path, flag))
	}
	if err != nil {
		utils.Log.Warn().Err(err).Str("module", id).Str("flag", flag).Msg("marking live module")
	}
}

func (r *Registry) setDisabled(id string, disabled bool) error {
	err := r.update(id, func(staged string) error {
		flag := filepath.Join(staged, constants.DisableFileName)
		if disabled {
			return utils.EnsureFileExists(flag)
		}
		if err := os.Remove(flag); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.markLive(id, constants.DisableFileName, disabled)
	return nil
}

func (r *Registry) Enable(id string) error  { return r.setDisabled(id, false) }
func (r *Registry) Disable(id string) error { return r.setDisabled(id, true) }

// Uninstall flags module id for removal. The tree is deleted by Prune on the next boot.
func (r *Registry) Uninstall(id string) error {
	err := r.update(id, func(staged string) error {
		return utils.EnsureFileExists(filepath.Join(staged, constants.RemoveFileName))
	})
	if err != nil {
		return err
	}
	r.markLive(id, constants.RemoveFileName, true)
	if err := r.Configs.ClearModule(id); err != nil {
		utils.Log.Warn().Err(err).Str("module", id).Msg("clearing module configs")
	}
	if err := r.runMetaUninstall(id); err != nil {
		return fmt.Errorf("metamodule uninstall hook for %s: %w", id, err)
	}
	utils.Log.Info().Str("module", id).Msg("module marked for removal")
	return nil
}

// RunAction runs the action.sh of a live module and waits for it.
func (r *Registry) RunAction(id string) error {
	if err := schema.ValidateModuleID(id); err != nil {
		return err
	}
	script := filepath.Join(r.Layout.ModuleDir, id, constants.ActionScript)
	if !r.exists(script) {
		return fmt.Errorf("%s has no %s: %w", id, constants.ActionScript, constants.ErrModuleNotFound)
	}
	return r.Scripts.Run(script, true, "KSU_MODULE="+id)
}

// ShrinkImages stages a copy of the newest image shrunk to its minimum size.
func (r *Registry) ShrinkImages() error {
	if err := r.ensureBootCompleted(); err != nil {
		return err
	}
	if err := r.Images.Stage(0, false); err != nil {
		return err
	}
	tmp := r.Layout.TmpImage()
	if err := r.Images.Shrink(tmp); err != nil {
		r.Images.Discard()
		return err
	}
	if err := r.Images.SwapActive(); err != nil {
		r.Images.Discard()
		return err
	}
	return r.Images.MarkUpdate()
}
