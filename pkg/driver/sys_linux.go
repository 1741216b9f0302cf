//go:build linux

package driver

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/kernelsu/ksud/internal/constants"
	"golang.org/x/sys/unix"
)

const driverFdName = "[ksu_driver]"

type linuxSyscalls struct{}

// SystemCalls returns the kernel backed implementation.
func SystemCalls() Syscalls {
	return linuxSyscalls{}
}

func (linuxSyscalls) InheritedFd() (int, bool) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1, false
	}
	for _, e := range entries {
		link, err := os.Readlink("/proc/self/fd/" + e.Name())
		if err != nil || !strings.Contains(link, driverFdName) {
			continue
		}
		fd, err := strconv.Atoi(e.Name())
		if err == nil {
			return fd, true
		}
	}
	return -1, false
}

func (linuxSyscalls) InstallFd() (int, error) {
	fd := int32(-1)
	_, _, errno := unix.Syscall6(unix.SYS_REBOOT, InstallMagic1, InstallMagic2, 0, uintptr(unsafe.Pointer(&fd)), 0, 0)
	if fd < 0 {
		if errno != 0 {
			return -1, fmt.Errorf("%w: reboot hook: %v", constants.ErrNoDriver, errno)
		}
		return -1, constants.ErrNoDriver
	}
	return int(fd), nil
}

func (linuxSyscalls) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return fmt.Errorf("ioctl %#x: %w", req, errno)
	}
	return nil
}

func (linuxSyscalls) LegacyCall(a LegacyArgs) (uint32, error) {
	var result uint32
	var errno unix.Errno
	switch {
	case a.Ptr3 != nil:
		_, _, errno = unix.Syscall6(unix.SYS_PRCTL, LegacyOption, a.Cmd, uintptr(a.Ptr3), 0, uintptr(unsafe.Pointer(&result)), 0)
	case a.Ptr4 != nil:
		_, _, errno = unix.Syscall6(unix.SYS_PRCTL, LegacyOption, a.Cmd, a.Value, uintptr(a.Ptr4), uintptr(unsafe.Pointer(&result)), 0)
	default:
		_, _, errno = unix.Syscall6(unix.SYS_PRCTL, LegacyOption, a.Cmd, a.Value, 0, uintptr(unsafe.Pointer(&result)), 0)
	}
	// an unknown prctl option fails with EINVAL, the result slot decides presence
	if errno != 0 && result != LegacyOption {
		return result, fmt.Errorf("prctl %d: %w", a.Cmd, errno)
	}
	return result, nil
}
