package magic

import (
	"os"

	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/op"
	"github.com/kernelsu/ksud/pkg/schema"
)

// noLabels drops every label write of a dry run.
type noLabels struct{}

func (noLabels) Get(string) (string, error) { return "", nil }
func (noLabels) Set(string, string) error   { return nil }

// DescribePlan runs the mount of mods against a recorder in a throwaway work dir and
// renders the collected tree followed by the primitives that would be issued.
func (e *Engine) DescribePlan(mods []schema.Module) (string, error) {
	root, err := e.Collect(mods)
	if err != nil {
		return "", err
	}
	if root == nil {
		return "nothing to mount\n", nil
	}
	tree := root.String()

	work, err := os.MkdirTemp("", "magic-plan-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(work)

	rec := &op.Recorder{}
	dry := &Engine{Root: e.Root, WorkDir: work, Mounter: rec, Labels: noLabels{}}
	if err := dry.Mount(root); err != nil {
		utils.Log.Warn().Err(err).Msg("plan would fail")
		return tree + "\n" + rec.String() + "\nerror: " + err.Error() + "\n", nil
	}
	return tree + "\n" + rec.String() + "\n", nil
}
