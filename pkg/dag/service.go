package dag

import (
	cnst "github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/pkg/state"
	"github.com/spectrocloud-labs/herd"
)

// RegisterService registers the late_start service dag. Scripts are spawned and left running.
func RegisterService(s *state.State, g *herd.Graph) error {
	err := s.CheckMagiskDagStep(g)
	if err != nil {
		s.LogIfError(err, "checking magisk")
		return err
	}
	s.LogIfError(s.SafeModeDagStep(g, false, herd.WithDeps(cnst.OpCheckMagisk)), "safe mode")
	s.LogIfError(s.CommonScriptsDagStep(g, cnst.OpCommonService, cnst.StageService, false,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpSafeMode)), "common service scripts")
	s.LogIfError(s.ModuleScriptsDagStep(g, cnst.OpService, cnst.StageService, false,
		herd.WithDeps(cnst.OpCheckMagisk), herd.WithWeakDeps(cnst.OpCommonService)), "service scripts")
	return err
}
