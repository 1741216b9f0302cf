package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	cnst "github.com/kernelsu/ksud/internal/constants"
	internalUtils "github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/driver"
	"github.com/kernelsu/ksud/pkg/feature"
	"github.com/kernelsu/ksud/pkg/image"
	"github.com/kernelsu/ksud/pkg/op"
	"github.com/spectrocloud-labs/herd"
)

// ReportEventDagStep notifies the driver. A failed report is logged, never fatal.
func (s *State) ReportEventDagStep(g *herd.Graph, name string, e driver.Event, opts ...herd.OpOption) error {
	return g.Add(name, append(opts, herd.WithCallback(func(_ context.Context) error {
		internalUtils.Log.Info().Str("event", e.String()).Msg("reporting event")
		if err := s.Driver.ReportEvent(e); err != nil {
			internalUtils.Log.Warn().Err(err).Str("event", e.String()).Msg("reporting event")
		}
		return nil
	}))...)
}

// SafeModeDagStep decides whether the boot runs degraded. With sentinel the leftover
// safety flag of an unfinished boot counts too, only post-fs-data may look at it.
func (s *State) SafeModeDagStep(g *herd.Graph, sentinel bool, opts ...herd.OpOption) error {
	return g.Add(cnst.OpSafeMode, append(opts, herd.WithCallback(func(_ context.Context) error {
		if sentinel {
			s.safeMode = s.Safety.Degraded(s.Driver.CheckSafemode())
		} else {
			s.safeMode = s.Driver.CheckSafemode()
		}
		if s.safeMode {
			internalUtils.Log.Warn().Msg("safe mode, modules stay disabled and scripts are skipped")
		}
		return nil
	}))...)
}

// SafetyFlagDagStep creates the flag that is only cleared once boot completes.
func (s *State) SafetyFlagDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpSafetyFlag, append(opts, herd.WithCallback(func(_ context.Context) error {
		internalUtils.Log.Debug().Str("flag", s.Safety.Path()).Msg("creating safety flag")
		return s.Safety.Create()
	}))...)
}

func (s *State) ClearSafetyDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpClearSafety, append(opts, herd.WithCallback(func(_ context.Context) error {
		internalUtils.Log.Debug().Str("flag", s.Safety.Path()).Msg("clearing safety flag")
		return s.Safety.Clear()
	}))...)
}

// BootlogDagStep captures logcat and dmesg for the first seconds of the boot.
func (s *State) BootlogDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpBootlog, append(opts, herd.WithCallback(func(_ context.Context) error {
		if s.Bootlog == nil {
			return nil
		}
		var err error
		if e := s.Bootlog("logcat", "logcat", "-b", "all"); e != nil {
			err = multierror.Append(err, fmt.Errorf("logcat: %w", e))
		}
		if e := s.Bootlog("dmesg", "dmesg", "-w"); e != nil {
			err = multierror.Append(err, fmt.Errorf("dmesg: %w", e))
		}
		return err
	}))...)
}

// CheckMagiskDagStep fails when another root manager owns the device, every step
// depending on it is skipped.
func (s *State) CheckMagiskDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpCheckMagisk, append(opts, herd.WithCallback(func(_ context.Context) error {
		if s.HasMagisk != nil && s.HasMagisk() {
			return cnst.ErrMagiskPresent
		}
		return nil
	}))...)
}

// CommonScriptsDagStep runs the executables of <adb>/<stage>.d.
func (s *State) CommonScriptsDagStep(g *herd.Graph, name, stage string, wait bool, opts ...herd.OpOption) error {
	return g.Add(name, append(opts, herd.WithCallback(func(_ context.Context) error {
		if s.safeMode {
			internalUtils.Log.Info().Str("stage", stage).Msg("safe mode, skipping common scripts")
			return nil
		}
		s.switchCgroups()
		return s.Scripts.RunDir(s.Layout.StageDir(stage), wait)
	}))...)
}

// ModuleScriptsDagStep runs the metamodule's <stage>.sh and then the <stage>.sh of every
// active module in directory order.
func (s *State) ModuleScriptsDagStep(g *herd.Graph, name, stage string, wait bool, opts ...herd.OpOption) error {
	return g.Add(name, append(opts, herd.WithCallback(func(_ context.Context) error {
		if s.safeMode {
			internalUtils.Log.Info().Str("stage", stage).Msg("safe mode, skipping module scripts")
			return nil
		}
		return s.RunModuleScripts(stage, wait)
	}))...)
}

// RunModuleScripts runs one stage of module scripts. A failing script does not stop the others.
func (s *State) RunModuleScripts(stage string, wait bool) error {
	s.switchCgroups()

	var result error
	if err := s.Registry.RunMetaStage(stage, wait); err != nil {
		internalUtils.Log.Warn().Err(err).Str("stage", stage).Msg("metamodule stage script failed")
		result = multierror.Append(result, err)
	}
	meta, _ := s.Registry.Metamodule()

	mods, err := s.Registry.Active()
	if err != nil {
		return multierror.Append(result, err)
	}
	for _, m := range mods {
		if m.Path == meta {
			continue
		}
		script := filepath.Join(m.Path, stage+".sh")
		if !internalUtils.Exists(script) {
			continue
		}
		if err := s.Scripts.Run(script, wait, "KSU_MODULE="+m.ID); err != nil {
			internalUtils.Log.Warn().Err(err).Str("module", m.ID).Str("stage", stage).Msg("module script failed")
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (s *State) switchCgroups() {
	if s.Cgroups == nil {
		return
	}
	if err := s.Cgroups(os.Getpid()); err != nil {
		internalUtils.Log.Debug().Err(err).Msg("switching cgroups")
	}
}

func (s *State) ClearTempConfigDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpClearTempConfig, append(opts, herd.WithCallback(func(_ context.Context) error {
		return s.Registry.Configs.ClearAllTemp()
	}))...)
}

func (s *State) ExtractBinariesDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpExtractBinaries, append(opts, herd.WithCallback(func(_ context.Context) error {
		return s.Assets.Extract(s.Layout.BinDir)
	}))...)
}

// MountImageDagStep selects the image for this boot and mounts it over the module dir.
// The mount outlives the process.
func (s *State) MountImageDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpMountImage, append(opts, herd.WithCallback(func(_ context.Context) error {
		img, err := s.Registry.Images.SelectActive()
		if err != nil {
			return fmt.Errorf("selecting module image: %w", err)
		}
		if img == "" {
			internalUtils.Log.Info().Msg("no module image yet")
			return image.ErrNoImage
		}

		dir := s.Layout.ModuleDir
		if s.Mounted != nil {
			mounted, err := s.Mounted(dir)
			if err != nil {
				return err
			}
			if mounted {
				return fmt.Errorf("%s: %w", dir, cnst.ErrAlreadyMounted)
			}
		}
		if err := internalUtils.EnsureCleanDir(dir); err != nil {
			return err
		}
		if _, err := s.Registry.Images.Mount(img, dir, false); err != nil {
			return fmt.Errorf("mounting %s: %w", img, err)
		}
		entry := op.Ext4Image(img, dir).FstabEntry
		s.AddToFstab(&entry)
		return nil
	}))...)
}

// DisableAllDagStep flags every module disabled when the boot is degraded.
func (s *State) DisableAllDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpDisableAll, append(opts, herd.WithCallback(func(_ context.Context) error {
		if !s.safeMode {
			return nil
		}
		internalUtils.Log.Warn().Msg("safe mode, disabling all modules")
		return s.Registry.DisableAll()
	}))...)
}

// moduleStep registers a step that only runs outside safe mode.
func (s *State) moduleStep(g *herd.Graph, name string, fn func() error, opts ...herd.OpOption) error {
	return g.Add(name, append(opts, herd.WithCallback(func(_ context.Context) error {
		if s.safeMode {
			internalUtils.Log.Debug().Str("step", name).Msg("safe mode, skipping")
			return nil
		}
		return fn()
	}))...)
}

func (s *State) PruneDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.moduleStep(g, cnst.OpPrune, s.Registry.Prune, opts...)
}

func (s *State) RestoreconDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.moduleStep(g, cnst.OpRestorecon, func() error {
		return internalUtils.Restorecon(s.Registry.Labels, s.Layout.WorkingDir, s.Layout.ModuleDir)
	}, opts...)
}

func (s *State) SepolicyDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.moduleStep(g, cnst.OpSepolicy, s.Registry.LoadSepolicy, opts...)
}

func (s *State) SystemPropDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.moduleStep(g, cnst.OpSystemProp, s.Registry.LoadSystemProp, opts...)
}

// MountTmpfsDagStep mounts the scratch tmpfs modules and the magic mount work in.
func (s *State) MountTmpfsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.moduleStep(g, cnst.OpMountTmpfs, func() error {
		tmp := s.Layout.TempDir
		if err := internalUtils.CreateIfNotExists(tmp); err != nil {
			return err
		}
		if err := s.Mounter.Tmpfs(cnst.MountSource, tmp); err != nil {
			return fmt.Errorf("mounting tmpfs on %s: %w", tmp, err)
		}
		if err := s.Mounter.MakePrivate(tmp); err != nil {
			internalUtils.Log.Warn().Err(err).Str("where", tmp).Msg("making tmpfs private")
		}
		entry := op.Tmpfs(tmp).FstabEntry
		s.AddToFstab(&entry)
		return nil
	}, opts...)
}

// FeaturesDagStep applies the saved feature config, forcing to 0 the features a module manages.
func (s *State) FeaturesDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.moduleStep(g, cnst.OpFeatures, func() error {
		managed, err := s.Registry.Configs.ManagedFeatures()
		if err != nil {
			internalUtils.Log.Warn().Err(err).Msg("reading managed features")
		}
		return feature.Init(s.FS, s.Layout.FeatureConfig(), s.Driver, managed)
	}, opts...)
}

// MountModulesDagStep hands the module dir to the metamodule mount hook when there is
// one, otherwise mounts the active modules with the built-in engine.
func (s *State) MountModulesDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return s.moduleStep(g, cnst.OpMountModules, s.MountModules, opts...)
}

func (s *State) MountModules() error {
	ran, err := s.Registry.RunMetaMount(s.Layout.ModuleDir)
	if ran {
		return err
	}
	mods, err := s.Registry.Active()
	if err != nil {
		return err
	}
	internalUtils.Log.Info().Str("mode", s.MountMode).Int("modules", len(mods)).Msg("mounting modules")
	if s.MountMode == MountModeOverlay {
		return s.Overlay.MountSystemlessly(mods)
	}
	return s.Magic.MountModules(mods)
}

// PromoteImageDagStep makes the image this boot ran on the one at rest. An update
// flagged again since post-fs-data has not been booted yet and stays pending.
func (s *State) PromoteImageDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPromoteImage, append(opts, herd.WithCallback(func(_ context.Context) error {
		if internalUtils.Exists(s.Layout.UpdateFlag()) {
			internalUtils.Log.Info().Msg("update pending for next boot, not promoting")
			return nil
		}
		return s.Registry.Images.Promote()
	}))...)
}

func (s *State) WriteFstabDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpWriteFstab, append(opts, herd.WithCallback(s.WriteFstab()))...)
}
