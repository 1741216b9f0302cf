//go:build linux

package loader

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type system struct{}

// SystemCalls returns the real kernel surface.
func SystemCalls() Syscalls { return system{} }

func (system) Getpid() int { return os.Getpid() }

// MountFS goes through fsopen/fsconfig/fsmount/move_mount, which keeps working where
// mount(2) of proc is refused this early.
func (system) MountFS(fstype, target string) error {
	fsfd, err := unix.Fsopen(fstype, unix.FSOPEN_CLOEXEC)
	if err != nil {
		return fmt.Errorf("fsopen %s: %w", fstype, err)
	}
	defer unix.Close(fsfd)

	if err := unix.FsconfigCreate(fsfd); err != nil {
		return fmt.Errorf("fsconfig %s: %w", fstype, err)
	}
	mfd, err := unix.Fsmount(fsfd, unix.FSMOUNT_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("fsmount %s: %w", fstype, err)
	}
	defer unix.Close(mfd)

	if err := unix.MoveMount(mfd, "", unix.AT_FDCWD, target, unix.MOVE_MOUNT_F_EMPTY_PATH); err != nil {
		return fmt.Errorf("move_mount %s: %w", target, err)
	}
	return nil
}

func (system) Unmount(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}

func (system) Mknod(path string, major, minor uint32) error {
	return unix.Mknod(path, unix.S_IFCHR|0o666, int(unix.Mkdev(major, minor)))
}

func (system) InitModule(image []byte, params string) error {
	if err := unix.InitModule(image, params); err != nil {
		return fmt.Errorf("init_module: %w", err)
	}
	return nil
}

// Exec replaces the process with init.
func Exec(init string, argv []string) error {
	return unix.Exec(init, argv, os.Environ())
}
