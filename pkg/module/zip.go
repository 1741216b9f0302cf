package module

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// extractZip unpacks the archive below dst, refusing entries that escape it, be it by
// name or through a symlink extracted earlier.
func extractZip(zipPath, dst string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	realDst, err := filepath.EvalSymlinks(dst)
	if err != nil {
		return err
	}
	for _, f := range r.File {
		target := filepath.Join(dst, f.Name)
		if !within(dst, target) {
			return fmt.Errorf("zip entry %s escapes the module dir", f.Name)
		}
		parent, err := resolveExisting(filepath.Dir(target))
		if err != nil {
			return err
		}
		if !within(realDst, parent) {
			return fmt.Errorf("zip entry %s escapes the module dir through a symlink", f.Name)
		}
		if err := extractEntry(f, target); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func within(root, path string) bool {
	return strings.HasPrefix(filepath.Clean(path)+string(os.PathSeparator), filepath.Clean(root)+string(os.PathSeparator))
}

// resolveExisting evaluates the symlinks of the longest existing prefix of path.
func resolveExisting(path string) (string, error) {
	rest := ""
	for {
		if _, err := os.Lstat(path); err == nil {
			real, err := filepath.EvalSymlinks(path)
			if err != nil {
				return "", err
			}
			return filepath.Join(real, rest), nil
		}
		parent := filepath.Dir(path)
		if parent == path {
			return filepath.Join(path, rest), nil
		}
		rest = filepath.Join(filepath.Base(path), rest)
		path = parent
	}
}

func extractEntry(f *zip.File, target string) error {
	mode := f.Mode()
	if mode.IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	if mode&os.ModeSymlink != 0 {
		link, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Symlink(string(link), target)
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	// never write through a link left by an earlier entry
	if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
