package safety

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/utils"
	"github.com/twpayne/go-vfs/v4"
)

// Sentinel is the on-disk marker of a boot that has not reached boot-completed yet.
type Sentinel struct {
	fs   vfs.FS
	path string
}

func New(fs vfs.FS, path string) *Sentinel {
	return &Sentinel{fs: fs, path: path}
}

func (s *Sentinel) Path() string { return s.path }

func (s *Sentinel) Exists() bool {
	_, err := s.fs.Lstat(s.path)
	return err == nil
}

func (s *Sentinel) Create() error {
	if err := vfs.MkdirAll(s.fs, filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return s.fs.WriteFile(s.path, nil, 0o644)
}

func (s *Sentinel) Clear() error {
	err := s.fs.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Degraded decides whether this boot must run without modules.
// It has to be called before Create, a flag left behind means the previous boot never completed.
func (s *Sentinel) Degraded(driverSafemode bool) bool {
	leftover := s.Exists()
	if leftover {
		utils.Log.Warn().Str("flag", s.path).Msg("previous boot did not complete")
	}
	if driverSafemode {
		utils.Log.Warn().Msg("kernel reports safemode")
	}
	return driverSafemode || leftover
}
