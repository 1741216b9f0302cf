package schema

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/kernelsu/ksud/internal/constants"
)

var moduleIDRe = regexp.MustCompile(constants.ModuleIDPattern)

// ValidateModuleID checks id against the module id pattern.
func ValidateModuleID(id string) error {
	if !moduleIDRe.MatchString(id) {
		return fmt.Errorf("invalid module id: '%s', must match %s", id, constants.ModuleIDPattern)
	}
	return nil
}

// Layout holds every on-disk location the runtime touches.
// Keys of the layout env file map 1:1 to the `env` tags.
type Layout struct {
	// Root is the live root filesystem the modules are grafted over, "/" on a device.
	Root       string `env:"KSU_ROOT_DIR"`
	AdbDir     string `env:"KSU_ADB_DIR"`     // /data/adb
	WorkingDir string `env:"KSU_WORKING_DIR"` // /data/adb/ksu
	BinDir     string `env:"KSU_BIN_DIR"`     // /data/adb/ksu/bin
	LogDir     string `env:"KSU_LOG_DIR"`     // /data/adb/ksu/log
	// ModuleDir is the mount point of the active image.
	ModuleDir string `env:"KSU_MODULE_DIR"`
	// ModuleUpdateDir is where the staging image gets mounted during a mutation.
	ModuleUpdateDir string `env:"KSU_MODULE_UPDATE_DIR"`
	ModuleConfigDir string `env:"KSU_MODULE_CONFIG_DIR"`
	MetamoduleDir   string `env:"KSU_METAMODULE_DIR"`
	// TempDir is the scratch tmpfs mounted at post-fs-data.
	TempDir string `env:"KSU_TEMP_DIR"`
	// MagicWorkDir is where magic mount builds its tmpfs skeletons.
	MagicWorkDir string `env:"KSU_MAGIC_WORK_DIR"`
}

// DefaultLayout returns the Android layout.
func DefaultLayout() Layout {
	return LayoutFor("/data/adb", "/debug_ramdisk")
}

// LayoutFor derives a full layout from the adb directory and the scratch tmpfs location.
func LayoutFor(adbDir, tempDir string) Layout {
	working := filepath.Join(adbDir, "ksu")
	return Layout{
		Root:            "/",
		AdbDir:          adbDir,
		WorkingDir:      working,
		BinDir:          filepath.Join(working, "bin"),
		LogDir:          filepath.Join(working, "log"),
		ModuleDir:       filepath.Join(adbDir, "modules"),
		ModuleUpdateDir: filepath.Join(adbDir, "modules_update"),
		ModuleConfigDir: filepath.Join(working, "module_configs"),
		MetamoduleDir:   filepath.Join(adbDir, "metamodule"),
		TempDir:         tempDir,
		MagicWorkDir:    filepath.Join(tempDir, "workdir"),
	}
}

func (l Layout) ModuleImage() string { return filepath.Join(l.WorkingDir, "modules.img") }
func (l Layout) UpdateImage() string { return filepath.Join(l.WorkingDir, "modules_update.img") }
func (l Layout) TmpImage() string    { return filepath.Join(l.WorkingDir, "update_tmp.img") }

// UpdateFlag marks that modules_update.img holds changes not yet promoted.
func (l Layout) UpdateFlag() string { return filepath.Join(l.WorkingDir, "update") }

// SafetyFlag is present while a boot is between post-fs-data and boot-completed.
func (l Layout) SafetyFlag() string { return filepath.Join(l.WorkingDir, ".metamodule_booting") }

func (l Layout) FeatureConfig() string  { return filepath.Join(l.WorkingDir, ".feature_config") }
func (l Layout) ModsysSelected() string { return filepath.Join(l.WorkingDir, "modsys.selected") }
func (l Layout) ModsysDir() string      { return filepath.Join(l.WorkingDir, "msp") }

// StageDir is the directory holding the common scripts of a stage, e.g. /data/adb/service.d.
func (l Layout) StageDir(stage string) string {
	return filepath.Join(l.AdbDir, stage+".d")
}

// LivePath joins p onto the live root.
func (l Layout) LivePath(p ...string) string {
	return filepath.Join(append([]string{l.Root}, p...)...)
}

// Module is a single installed module as seen by the registry.
type Module struct {
	ID      string            `json:"id" yaml:"id"`
	Path    string            `json:"-" yaml:"-"`
	Props   map[string]string `json:"props" yaml:"props"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Update  bool              `json:"update" yaml:"update"`
	Remove  bool              `json:"remove" yaml:"remove"`
	WebUI   bool              `json:"web" yaml:"web"`
	Action  bool              `json:"action" yaml:"action"`
}

// Prop returns a metadata value, empty if absent.
func (m Module) Prop(key string) string {
	return m.Props[key]
}
