package module

import "github.com/kernelsu/ksud/internal/utils"

// PropLoader sets runtime properties from a prop file.
type PropLoader interface {
	LoadFile(path string) error
}

// PolicyApplier loads a file of sepolicy statements into the live policy.
type PolicyApplier interface {
	ApplyFile(path string) error
}

// ResetProp is a PropLoader backed by the resetprop tool.
type ResetProp struct {
	Path string
}

func (p ResetProp) LoadFile(path string) error {
	_, err := utils.RunCommand(p.Path, "-n", "--file", path)
	return err
}

// PolicyTool is a PolicyApplier backed by an external sepolicy patcher.
type PolicyTool struct {
	Path string
}

func (p PolicyTool) ApplyFile(path string) error {
	_, err := utils.RunCommand(p.Path, "--live", "--apply", path)
	return err
}
