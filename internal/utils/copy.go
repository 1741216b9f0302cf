package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/xattr"
)

// CopyModuleFiles copies a module tree from src into dst keeping what overlay semantics depend on:
// modes, ownership, extended attributes (opaque markers, SELinux labels), symlinks and whiteouts.
func CopyModuleFiles(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		if err := copyEntry(path, target, info); err != nil {
			return fmt.Errorf("copying %s: %w", path, err)
		}
		return nil
	})
}

func copyEntry(path, target string, info fs.FileInfo) error {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		if err := os.MkdirAll(target, mode.Perm()); err != nil {
			return err
		}
		if err := os.Chmod(target, mode.Perm()); err != nil {
			return err
		}
	case mode.IsRegular():
		if err := CopySparseFile(path, target, false); err != nil {
			return err
		}
	case mode&os.ModeSymlink != 0:
		link, err := os.Readlink(path)
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		if err := os.Symlink(link, target); err != nil {
			return err
		}
	case IsWhiteout(info):
		_ = os.Remove(target)
		if err := MakeWhiteout(target); err != nil {
			return err
		}
	default:
		Log.Debug().Str("what", path).Str("mode", mode.String()).Msg("skipping unsupported file type")
		return nil
	}

	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		if err := os.Lchown(target, int(st.Uid), int(st.Gid)); err != nil && !errors.Is(err, fs.ErrPermission) {
			return err
		}
	}
	return CopyXattrs(path, target)
}

// CopyXattrs copies every extended attribute of src onto dst without following symlinks.
// Attributes the destination filesystem refuses are logged and skipped.
func CopyXattrs(src, dst string) error {
	names, err := xattr.LList(src)
	if err != nil {
		if isXattrUnsupported(err) {
			return nil
		}
		return err
	}
	for _, name := range names {
		value, err := xattr.LGet(src, name)
		if err != nil {
			Log.Debug().Err(err).Str("what", src).Str("xattr", name).Msg("reading xattr")
			continue
		}
		if err := xattr.LSet(dst, name, value); err != nil {
			Log.Debug().Err(err).Str("what", dst).Str("xattr", name).Msg("setting xattr")
		}
	}
	return nil
}

func isXattrUnsupported(err error) bool {
	var xerr *xattr.Error
	if errors.As(err, &xerr) {
		return errors.Is(xerr.Err, syscall.ENOTSUP) || errors.Is(xerr.Err, xattr.ENOATTR)
	}
	return false
}

// IsWhiteout reports whether info describes an overlay whiteout, a character device numbered 0:0.
func IsWhiteout(info fs.FileInfo) bool {
	if info.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	return ok && st.Rdev == 0
}
