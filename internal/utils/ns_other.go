//go:build !linux

package utils

import "github.com/kernelsu/ksud/internal/constants"

func SwitchMntNs(int) error { return constants.ErrUnsupported }

func ClearUmask() {}
