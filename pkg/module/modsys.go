package module

import (
	"strings"

	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/schema"
	"github.com/twpayne/go-vfs/v4"
)

// System is the module system the command line delegates lifecycle operations to.
type System interface {
	List() ([]schema.Module, error)
	Install(zip string) error
	Enable(id string) error
	Disable(id string) error
	Uninstall(id string) error
	RunAction(id string) error
	ShrinkImages() error
}

// BuiltinSystem names the registry in modsys.selected.
const BuiltinSystem = "builtin"

// Selected reads the module system named in modsys.selected, BuiltinSystem when unset.
func Selected(fs vfs.FS, l schema.Layout) string {
	buf, err := fs.ReadFile(l.ModsysSelected())
	if err != nil {
		return BuiltinSystem
	}
	if name := strings.TrimSpace(string(buf)); name != "" {
		return name
	}
	return BuiltinSystem
}

// Select returns the module system to use. The registry is the only implementation, an
// unknown selection is logged and falls back to it.
func Select(fs vfs.FS, l schema.Layout, r *Registry) System {
	if name := Selected(fs, l); name != BuiltinSystem {
		utils.Log.Warn().Str("selected", name).Msg("unknown module system, using the builtin one")
	}
	return r
}
