//go:build !linux

package utils

import (
	"io"
	"os"

	"github.com/kernelsu/ksud/internal/constants"
)

// CopySparseFile falls back to a plain copy where SEEK_DATA is unavailable.
func CopySparseFile(src, dst string, _ bool) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func MakeWhiteout(string) error { return constants.ErrUnsupported }
