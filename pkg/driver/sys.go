package driver

import "unsafe"

// LegacyArgs are the trailing prctl arguments of a legacy call.
// Ptr3 takes precedence over Value for the third argument.
type LegacyArgs struct {
	Cmd   uintptr
	Value uintptr
	Ptr3  unsafe.Pointer
	Ptr4  unsafe.Pointer
}

// Syscalls is the raw kernel surface the session is built on.
type Syscalls interface {
	// InheritedFd looks for a driver descriptor handed down by the parent process.
	InheritedFd() (int, bool)
	// InstallFd asks the reboot hook for a fresh driver descriptor.
	InstallFd() (int, error)
	Ioctl(fd int, req uint, arg unsafe.Pointer) error
	// LegacyCall issues prctl(LegacyOption, ...) and returns what the kernel wrote to the result slot.
	LegacyCall(args LegacyArgs) (uint32, error)
}
