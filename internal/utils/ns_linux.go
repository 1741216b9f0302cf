//go:build linux

package utils

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SwitchMntNs moves the calling thread into the mount namespace of pid, keeping the working directory.
// Callers hold runtime.LockOSThread so that children forked afterwards see the same namespace.
func SwitchMntNs(pid int) error {
	cwd, _ := os.Getwd()

	path := fmt.Sprintf("/proc/%d/ns/mnt", pid)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Setns(int(f.Fd()), unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("setns %s: %w", path, err)
	}
	if cwd != "" {
		_ = os.Chdir(cwd)
	}
	return nil
}

// ClearUmask resets the process umask so files created by the stages keep their requested modes.
func ClearUmask() { unix.Umask(0) }
