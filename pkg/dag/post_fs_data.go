package dag

import (
	cnst "github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/pkg/driver"
	"github.com/kernelsu/ksud/pkg/state"
	"github.com/spectrocloud-labs/herd"
)

// RegisterPostFsData registers the post-fs-data dag. The steps form a single chain:
// everything touching modules hangs on the magisk check, and everything reading the
// modules hangs on the image mount, so either failing skips the rest.
// The remaining links are weak, a failing step is logged and the chain carries on.
func RegisterPostFsData(s *state.State, g *herd.Graph) error {
	var err error

	s.LogIfError(s.ReportEventDagStep(g, cnst.OpReportPostFsData, driver.EventPostFsData), "report post-fs-data")

	// The safemode decision has to look at the flag the previous boot left before it is created again
	s.LogIfError(s.SafeModeDagStep(g, true, herd.WithWeakDeps(cnst.OpReportPostFsData)), "safe mode")
	s.LogIfError(s.SafetyFlagDagStep(g, herd.WithWeakDeps(cnst.OpSafeMode)), "safety flag")
	s.LogIfError(s.BootlogDagStep(g, herd.WithWeakDeps(cnst.OpSafetyFlag)), "bootlog")

	err = s.CheckMagiskDagStep(g, herd.WithWeakDeps(cnst.OpBootlog))
	if err != nil {
		s.LogIfError(err, "checking magisk")
		return err
	}

	s.LogIfError(s.CommonScriptsDagStep(g, cnst.OpCommonPostFsData, cnst.StagePostFsData, true,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpSafeMode)), "common post-fs-data scripts")
	s.LogIfError(s.ClearTempConfigDagStep(g,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpCommonPostFsData)), "clear temp configs")
	s.LogIfError(s.ExtractBinariesDagStep(g,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpClearTempConfig)), "extract binaries")

	err = s.MountImageDagStep(g, herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpExtractBinaries))
	if err != nil {
		s.LogIfError(err, "mount image")
		return err
	}
	s.LogIfError(s.ReportEventDagStep(g, cnst.OpModuleMounted, driver.EventModuleMounted,
		herd.WithDeps(cnst.OpMountImage)), "report module mounted")
	s.LogIfError(s.DisableAllDagStep(g,
		herd.WithDeps(cnst.OpMountImage), herd.WithWeakDeps(cnst.OpModuleMounted)), "disable all")

	s.LogIfError(s.PruneDagStep(g,
		herd.WithDeps(cnst.OpMountImage), herd.WithWeakDeps(cnst.OpDisableAll)), "prune")
	s.LogIfError(s.RestoreconDagStep(g,
		herd.WithDeps(cnst.OpMountImage), herd.WithWeakDeps(cnst.OpPrune)), "restorecon")
	s.LogIfError(s.SepolicyDagStep(g,
		herd.WithDeps(cnst.OpMountImage), herd.WithWeakDeps(cnst.OpRestorecon)), "sepolicy")

	s.LogIfError(s.MountTmpfsDagStep(g,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpSepolicy)), "mount tmpfs")
	s.LogIfError(s.FeaturesDagStep(g,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpMountTmpfs)), "features")

	s.LogIfError(s.ModuleScriptsDagStep(g, cnst.OpPostFsData, cnst.StagePostFsData, true,
		herd.WithDeps(cnst.OpMountImage), herd.WithWeakDeps(cnst.OpFeatures)), "post-fs-data scripts")
	s.LogIfError(s.SystemPropDagStep(g,
		herd.WithDeps(cnst.OpMountImage), herd.WithWeakDeps(cnst.OpPostFsData)), "system.prop")

	s.LogIfError(s.MountModulesDagStep(g,
		herd.WithDeps(cnst.OpMountImage), herd.WithWeakDeps(cnst.OpSystemProp, cnst.OpMountTmpfs)), "mount modules")

	// post-mount is a synthetic stage, it runs once the module mount settled whatever its outcome
	s.LogIfError(s.CommonScriptsDagStep(g, cnst.OpCommonPostMount, cnst.StagePostMount, true,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpMountModules)), "common post-mount scripts")
	s.LogIfError(s.ModuleScriptsDagStep(g, cnst.OpPostMount, cnst.StagePostMount, true,
		herd.WithDeps(cnst.OpMountImage), herd.WithWeakDeps(cnst.OpCommonPostMount)), "post-mount scripts")

	s.LogIfError(s.WriteFstabDagStep(g,
		herd.WithWeakDeps(cnst.OpMountImage, cnst.OpMountTmpfs, cnst.OpMountModules, cnst.OpPostMount)), "write fstab")
	return err
}
