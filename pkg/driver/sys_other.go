//go:build !linux

package driver

import (
	"unsafe"

	"github.com/kernelsu/ksud/internal/constants"
)

type noSyscalls struct{}

// SystemCalls returns a stub, there is no driver outside linux.
func SystemCalls() Syscalls {
	return noSyscalls{}
}

func (noSyscalls) InheritedFd() (int, bool)              { return -1, false }
func (noSyscalls) InstallFd() (int, error)               { return -1, constants.ErrUnsupported }
func (noSyscalls) Ioctl(int, uint, unsafe.Pointer) error { return constants.ErrUnsupported }
func (noSyscalls) LegacyCall(LegacyArgs) (uint32, error) { return 0, constants.ErrUnsupported }
