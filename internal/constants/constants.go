package constants

import "errors"

// DefaultPartitions are the read-only partitions a module may carry files for.
func DefaultPartitions() []string {
	return []string{"system", "vendor", "product", "system_ext", "odm", "oem"}
}

var (
	ErrAlreadyMounted   = errors.New("already mounted")
	ErrNoDriver         = errors.New("kernel driver not present")
	ErrNotPidOne        = errors.New("not running as pid 1")
	ErrBootNotCompleted = errors.New("android is not booted yet")
	ErrMagiskPresent    = errors.New("magisk detected, refusing to continue")
	ErrUnsupported      = errors.New("not supported on this platform")
	ErrModuleNotFound   = errors.New("module not found")
)

const (
	OpReportPostFsData = "report-post-fs-data"
	OpSafetyFlag       = "create-safety-flag"
	OpBootlog          = "capture-bootlog"
	OpCheckMagisk      = "check-magisk"
	OpSafeMode         = "check-safemode"
	OpCommonPostFsData = "common-post-fs-data"
	OpClearTempConfig  = "clear-temp-config"
	OpExtractBinaries  = "extract-binaries"
	OpMountImage       = "mount-modules-image"
	OpModuleMounted    = "report-module-mounted"
	OpDisableAll       = "disable-all-modules"
	OpPrune            = "prune-modules"
	OpRestorecon       = "restorecon"
	OpSepolicy         = "load-sepolicy"
	OpFeatures         = "apply-features"
	OpMountTmpfs       = "mount-tmpfs"
	OpPostFsData       = "post-fs-data-scripts"
	OpSystemProp       = "load-system-prop"
	OpMountModules     = "mount-modules"
	OpCommonPostMount  = "common-post-mount"
	OpPostMount        = "post-mount-scripts"
	OpWriteFstab       = "write-fstab"

	OpCommonService = "common-service"
	OpService       = "service-scripts"

	OpReportBootCompleted = "report-boot-completed"
	OpClearSafety         = "clear-safety-flag"
	OpPromoteImage        = "promote-image"
	OpCommonBootCompleted = "common-boot-completed"
	OpBootCompleted       = "boot-completed-scripts"
)

const (
	StagePostFsData    = "post-fs-data"
	StageService       = "service"
	StageBootCompleted = "boot-completed"
	StagePostMount     = "post-mount"
)

const (
	MountSource = "KSU"

	ModuleProp        = "module.prop"
	DisableFileName   = "disable"
	UpdateFileName    = "update"
	RemoveFileName    = "remove"
	SkipMountFileName = "skip_mount"
	SystemPropName    = "system.prop"
	SepolicyRuleName  = "sepolicy.rule"
	UninstallScript   = "uninstall.sh"
	ActionScript      = "action.sh"
	WebrootDir        = "webroot"

	MetamoduleMountScript     = "metamount.sh"
	MetamoduleInstallScript   = "metainstall.sh"
	MetamoduleUninstallScript = "metauninstall.sh"
	MetamoduleProp            = "metamodule"

	OpaqueXattr       = "trusted.overlay.opaque"
	SystemFileContext = "u:object_r:system_file:s0"
	AdbDataContext    = "u:object_r:adb_data_file:s0"

	ModuleIDPattern = `^[a-zA-Z][a-zA-Z0-9._-]+$`

	// DefaultGrowSize is added on top of the uncompressed zip size when a staging image is grown.
	DefaultGrowSize = 64 * 1024 * 1024

	LayoutEnvVar   = "KSUD_LAYOUT"
	DebugEnvVar    = "KSUD_DEBUG"
	DefaultLayout  = "/data/adb/ksu/.layout.env"
	BootlogTimeout = "30s"
)
