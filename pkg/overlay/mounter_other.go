//go:build !linux

package overlay

import (
	"io"

	"github.com/kernelsu/ksud/internal/constants"
)

type System struct{}

func (System) Overlay([]string, string) error        { return constants.ErrUnsupported }
func (System) BindRecursive(string, string) error    { return constants.ErrUnsupported }
func (System) Unmount(string) error                  { return constants.ErrUnsupported }
func (System) Submounts(string) ([]string, error)    { return nil, constants.ErrUnsupported }
func (System) Pin(string) (string, io.Closer, error) { return "", nil, constants.ErrUnsupported }
