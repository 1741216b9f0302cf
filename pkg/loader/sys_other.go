//go:build !linux

package loader

import (
	"os"

	"github.com/kernelsu/ksud/internal/constants"
)

type system struct{}

func SystemCalls() Syscalls { return system{} }

func (system) Getpid() int                        { return os.Getpid() }
func (system) MountFS(string, string) error       { return constants.ErrUnsupported }
func (system) Unmount(string) error               { return constants.ErrUnsupported }
func (system) Mknod(string, uint32, uint32) error { return constants.ErrUnsupported }
func (system) InitModule([]byte, string) error    { return constants.ErrUnsupported }

func Exec(string, []string) error { return constants.ErrUnsupported }
