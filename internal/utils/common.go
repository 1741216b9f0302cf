package utils

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// CreateIfNotExists creates a directory and its parents.
func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(path, os.ModePerm)
	}
	return nil
}

// EnsureCleanDir removes whatever lives at dir and recreates it empty.
func EnsureCleanDir(dir string) error {
	Log.Debug().Str("what", dir).Msg("ensure clean dir")
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %s: %w", dir, err)
	}
	return os.MkdirAll(dir, 0o755)
}

// EnsureFileExists creates an empty file if missing. A directory at path is an error.
func EnsureFileExists(path string) error {
	st, err := os.Stat(path)
	if err == nil {
		if st.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Exists reports whether path can be lstat'ed.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDir follows symlinks.
func IsDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func IsSymlink(path string) bool {
	st, err := os.Lstat(path)
	return err == nil && st.Mode()&os.ModeSymlink != 0
}

// GetProp reads an Android system property, empty when unavailable.
func GetProp(name string) string {
	out, err := exec.Command("getprop", name).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// IsBootCompleted reports sys.boot_completed == 1.
func IsBootCompleted() bool {
	return GetProp("sys.boot_completed") == "1"
}

// HasMagisk checks PATH for a magisk binary.
func HasMagisk() bool {
	_, err := exec.LookPath("magisk")
	return err == nil
}

// ZipUncompressedSize sums the uncompressed size of every entry.
func ZipUncompressedSize(path string) (uint64, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer r.Close()

	var total uint64
	for _, f := range r.File {
		total += f.UncompressedSize64
	}
	return total, nil
}

// RunCommand runs name with args and returns combined output, the error carries the output.
func RunCommand(name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	Log.Debug().Str("cmd", name).Strs("args", args).Msg("running command")
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}
