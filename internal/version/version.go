package version

import "runtime"

var (
	version = "v0.9.5"
	// versionCode is the integer version handed to module scripts as KSU_VER_CODE
	versionCode = "10940"
	// gitCommit is the git sha1 + dirty if build from a dirty git
	gitCommit = "none"
)

func GetVersion() string {
	return version
}

func GetVersionCode() string {
	return versionCode
}

// BuildInfo describes the compiled time information.
type BuildInfo struct {
	// Version is the current semver.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// VersionCode is the numeric version exported to module scripts.
	VersionCode string `json:"version_code,omitempty" yaml:"version_code,omitempty"`
	// GitCommit is the git sha1.
	GitCommit string `json:"git_commit,omitempty" yaml:"git_commit,omitempty"`
	// GoVersion is the version of the Go compiler used.
	GoVersion string `json:"go_version,omitempty" yaml:"go_version,omitempty"`
}

// Get returns build info
func Get() BuildInfo {
	v := BuildInfo{
		Version:     GetVersion(),
		VersionCode: GetVersionCode(),
		GitCommit:   gitCommit,
		GoVersion:   runtime.Version(),
	}

	return v
}
