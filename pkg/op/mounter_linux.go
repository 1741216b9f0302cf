//go:build linux

package op

import (
	"errors"
	"fmt"

	internalUtils "github.com/kernelsu/ksud/internal/utils"
	"golang.org/x/sys/unix"
)

// System issues the primitives to the kernel.
type System struct{}

func (System) Tmpfs(source, target string) error {
	if err := unix.Mount(source, target, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("mount tmpfs on %s: %w", target, err)
	}
	return nil
}

func (System) Bind(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s -> %s: %w", source, target, err)
	}
	return nil
}

// Move prefers move_mount(2) and falls back to MS_MOVE on kernels without the new mount API.
func (System) Move(source, target string) error {
	err := unix.MoveMount(unix.AT_FDCWD, source, unix.AT_FDCWD, target, 0)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOSYS) {
		internalUtils.Log.Debug().Err(err).Str("what", source).Str("where", target).Msg("move_mount failed, trying MS_MOVE")
	}
	if err := unix.Mount(source, target, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move %s -> %s: %w", source, target, err)
	}
	return nil
}

func (System) MakePrivate(target string) error {
	if err := unix.Mount("", target, "", unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make %s private: %w", target, err)
	}
	return nil
}

func (System) Detach(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("detach %s: %w", target, err)
	}
	return nil
}

// BindRecursive clones the whole mount tree at source onto target.
func BindRecursive(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("rbind %s -> %s: %w", source, target, err)
	}
	return nil
}

// Unmount unmounts target, detaching when asked.
func Unmount(target string, detach bool) error {
	flags := 0
	if detach {
		flags = unix.MNT_DETACH
	}
	if err := unix.Unmount(target, flags); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}
