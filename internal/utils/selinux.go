package utils

import (
	"io/fs"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/opencontainers/selinux/go-selinux"
)

// UnlabeledContext is what files carry before the policy assigned them a type.
const UnlabeledContext = "u:object_r:unlabeled:s0"

// Labeler reads and writes SELinux file contexts without following symlinks.
type Labeler interface {
	Get(path string) (string, error)
	Set(path, label string) error
}

// SELinuxLabels is the kernel backed Labeler. Writes are skipped when SELinux is off.
type SELinuxLabels struct{}

func (SELinuxLabels) Get(path string) (string, error) {
	return selinux.LfileLabel(path)
}

func (SELinuxLabels) Set(path, label string) error {
	if !selinux.GetEnabled() {
		return nil
	}
	return selinux.LsetFileLabel(path, label)
}

// RestoreSyscon labels every entry below dir as a system file.
func RestoreSyscon(l Labeler, dir string) error {
	return filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return l.Set(path, constants.SystemFileContext)
	})
}

// Restorecon labels the working directory as adb data and gives unlabeled module files
// the system file context.
func Restorecon(l Labeler, workingDir, moduleDir string) error {
	if err := l.Set(workingDir, constants.AdbDataContext); err != nil {
		return err
	}
	return filepath.WalkDir(moduleDir, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			Log.Warn().Err(err).Str("path", path).Msg("restorecon walk")
			return nil
		}
		label, err := l.Get(path)
		if err != nil || label == "" || label == UnlabeledContext {
			if err := l.Set(path, constants.SystemFileContext); err != nil {
				Log.Warn().Err(err).Str("path", path).Msg("restorecon")
			}
		}
		return nil
	})
}
