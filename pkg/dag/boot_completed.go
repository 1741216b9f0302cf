package dag

import (
	cnst "github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/pkg/driver"
	"github.com/kernelsu/ksud/pkg/state"
	"github.com/spectrocloud-labs/herd"
)

// RegisterBootCompleted registers the boot-completed dag. The safety flag goes first,
// reaching this stage is what proves the boot good.
func RegisterBootCompleted(s *state.State, g *herd.Graph) error {
	var err error

	s.LogIfError(s.ClearSafetyDagStep(g), "clear safety flag")
	s.LogIfError(s.PromoteImageDagStep(g, herd.WithWeakDeps(cnst.OpClearSafety)), "promote image")

	err = s.CheckMagiskDagStep(g, herd.WithWeakDeps(cnst.OpPromoteImage))
	if err != nil {
		s.LogIfError(err, "checking magisk")
		return err
	}
	s.LogIfError(s.SafeModeDagStep(g, false, herd.WithDeps(cnst.OpCheckMagisk)), "safe mode")
	s.LogIfError(s.CommonScriptsDagStep(g, cnst.OpCommonBootCompleted, cnst.StageBootCompleted, true,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpSafeMode)), "common boot-completed scripts")
	s.LogIfError(s.ModuleScriptsDagStep(g, cnst.OpBootCompleted, cnst.StageBootCompleted, true,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpCommonBootCompleted)), "boot-completed scripts")

	s.LogIfError(s.ReportEventDagStep(g, cnst.OpReportBootCompleted, driver.EventBootCompleted,
		herd.WithWeakDeps(cnst.OpBootCompleted, cnst.OpPromoteImage)), "report boot-completed")
	return err
}
