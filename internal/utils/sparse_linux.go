//go:build linux

package utils

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const copyChunk = 1 << 20

// CopySparseFile copies src to dst walking only the data segments of src, so holes stay holes.
// With punchHole set, chunks made only of zeroes are deallocated in dst as well.
func CopySparseFile(src, dst string, punchHole bool) error {
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

	size := st.Size()
	if err := out.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", dst, err)
	}

	buf := make([]byte, copyChunk)
	var off int64
	for off < size {
		data, err := unix.Seek(int(in.Fd()), off, unix.SEEK_DATA)
		if errors.Is(err, unix.ENXIO) {
			// only a hole left
			break
		}
		if err != nil {
			// no SEEK_DATA support, treat the rest as data
			data = off
		}
		hole, err := unix.Seek(int(in.Fd()), data, unix.SEEK_HOLE)
		if err != nil {
			hole = size
		}
		if err := copyRange(in, out, buf, data, hole, punchHole); err != nil {
			return err
		}
		off = hole
	}

	return out.Sync()
}

func copyRange(in, out *os.File, buf []byte, start, end int64, punchHole bool) error {
	for pos := start; pos < end; {
		n := int64(len(buf))
		if end-pos < n {
			n = end - pos
		}
		read, err := in.ReadAt(buf[:n], pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if read == 0 {
			return nil
		}
		chunk := buf[:read]
		if punchHole && allZero(chunk) {
			err = unix.Fallocate(int(out.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, pos, int64(read))
			if err == nil {
				pos += int64(read)
				continue
			}
		}
		if _, err := out.WriteAt(chunk, pos); err != nil {
			return err
		}
		pos += int64(read)
	}
	return nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// MakeWhiteout creates an overlay whiteout at path.
func MakeWhiteout(path string) error {
	return unix.Mknod(path, unix.S_IFCHR|0o000, 0)
}
