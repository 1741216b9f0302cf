package module

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
)

// InstallRequest describes a module that has been extracted into the staging image.
type InstallRequest struct {
	// Zip is the absolute path of the module archive.
	Zip      string
	ModuleID string
	// ModulePath is the module directory inside the mounted staging image.
	ModulePath string
}

// Installer finishes an install once the archive is extracted, typically running the
// module's customize.sh.
type Installer interface {
	Install(req InstallRequest) error
}

// HelperName is the installer helper shipped with the embedded assets.
const HelperName = "installer.sh"

// ScriptInstaller sources the busybox installer helper and runs install_module, or
// the metamodule's metainstall.sh in its place.
type ScriptInstaller struct {
	Scripts     Scripts
	Helper      string
	MetaInstall string
}

// Content assembles the shell program handed to sh -c.
func (s ScriptInstaller) Content() (string, error) {
	helper, err := os.ReadFile(s.Helper)
	if err != nil {
		return "", fmt.Errorf("reading installer helper: %w", err)
	}
	if s.MetaInstall == "" {
		return fmt.Sprintf("%s\ninstall_module\nexit 0\n", helper), nil
	}
	meta, err := os.ReadFile(s.MetaInstall)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", constants.MetamoduleInstallScript, err)
	}
	return fmt.Sprintf("%s\n%s\nexit 0\n", helper, meta), nil
}

func (s ScriptInstaller) Install(req InstallRequest) error {
	content, err := s.Content()
	if err != nil {
		return err
	}
	if err := s.Scripts.RunInline("/", content, "OUTFD=1", "ZIPFILE="+req.Zip); err != nil {
		return fmt.Errorf("module installer: %w", err)
	}
	return nil
}

// installerFor picks the installer: a metamodule is always installed by the stock helper,
// other modules go through an enabled metamodule's metainstall.sh when it ships one.
func (r *Registry) installerFor(props map[string]string) Installer {
	if r.Installer != nil {
		return r.Installer
	}
	inst := ScriptInstaller{Scripts: r.Scripts, Helper: filepath.Join(r.Layout.BinDir, HelperName)}
	if IsMetamodule(props) {
		utils.Log.Info().Msg("installing a metamodule, using the default installer")
		return inst
	}
	if script, ok := r.MetaScript(constants.MetamoduleInstallScript); ok {
		utils.Log.Info().Str("script", script).Msg("using metamodule installer")
		inst.MetaInstall = script
	}
	return inst
}
