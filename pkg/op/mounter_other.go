//go:build !linux

package op

import "github.com/kernelsu/ksud/internal/constants"

// System is a stub outside linux.
type System struct{}

func (System) Tmpfs(string, string) error { return constants.ErrUnsupported }
func (System) Bind(string, string) error  { return constants.ErrUnsupported }
func (System) Move(string, string) error  { return constants.ErrUnsupported }
func (System) MakePrivate(string) error   { return constants.ErrUnsupported }
func (System) Detach(string) error        { return constants.ErrUnsupported }

func BindRecursive(string, string) error { return constants.ErrUnsupported }

func Unmount(string, bool) error { return constants.ErrUnsupported }
