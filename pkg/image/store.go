package image

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/schema"
)

// ErrNoImage is returned when a mutation needs an existing module image.
var ErrNoImage = errors.New("no module image found, install a module first")

const maxShrinkPasses = 8

// Store manages the ext4 containers holding the installed modules.
type Store struct {
	Layout  schema.Layout
	Tools   Tools
	Mounter Mounter
}

func New(l schema.Layout) *Store {
	return &Store{Layout: l, Tools: E2fsprogs{}, Mounter: LoopMounter{}}
}

// Create allocates a sparse file of size bytes and formats it.
func (s *Store) Create(path string, size uint64) (err error) {
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating image: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return fmt.Errorf("extending image: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.Tools.Format(path); err != nil {
		return err
	}
	return s.Tools.Check(path)
}

func (s *Store) Check(path string) error {
	return s.Tools.Check(path)
}

// MinimumSize checks the image and returns the smallest size it fits in, in KiB.
func (s *Store) MinimumSize(path string) (uint64, error) {
	if err := s.Tools.Check(path); err != nil {
		return 0, err
	}
	return s.Tools.MinimumSize(path)
}

// Grow resizes the image to its minimum size plus extra bytes.
func (s *Store) Grow(path string, extra uint64) error {
	minimum, err := s.MinimumSize(path)
	if err != nil {
		return err
	}
	target := (minimum*1024+extra)/1024 + 1024
	utils.Log.Info().Str("image", path).Uint64("minimum_kib", minimum).Uint64("target_kib", target).Msg("growing image")
	if err := s.Tools.Resize(path, target); err != nil {
		return err
	}
	return s.Tools.Check(path)
}

// Shrink resizes the image down until the minimum size is stable, then trims the file.
func (s *Store) Shrink(path string) error {
	var last uint64
	for i := 0; i < maxShrinkPasses; i++ {
		minimum, err := s.MinimumSize(path)
		if err != nil {
			return err
		}
		if minimum == last {
			break
		}
		utils.Log.Info().Str("image", path).Uint64("size_kib", minimum).Msg("shrinking image")
		if err := s.Tools.Resize(path, minimum); err != nil {
			return err
		}
		last = minimum
	}
	if err := s.Tools.Check(path); err != nil {
		return err
	}
	return os.Truncate(path, int64(last*1024))
}

// Handle is an active image mount. Close releases it when the mount was auto-unmounted.
type Handle struct {
	dir  string
	auto bool
	m    Mounter

	once sync.Once
	err  error
}

func (h *Handle) Dir() string { return h.dir }

func (h *Handle) Close() error {
	if !h.auto {
		return nil
	}
	return h.Unmount()
}

// Unmount detaches the image regardless of the auto-unmount setting.
func (h *Handle) Unmount() error {
	h.once.Do(func() {
		h.err = h.m.Unmount(h.dir)
		if h.err != nil {
			utils.Log.Warn().Err(h.err).Str("dir", h.dir).Msg("unmounting image")
		}
	})
	return h.err
}

func (s *Store) Mount(path, dir string, autoUmount bool) (*Handle, error) {
	if err := utils.CreateIfNotExists(dir); err != nil {
		return nil, err
	}
	if err := s.Mounter.Mount(path, dir); err != nil {
		return nil, err
	}
	utils.Log.Info().Str("image", path).Str("dir", dir).Bool("auto_umount", autoUmount).Msg("image mounted")
	return &Handle{dir: dir, auto: autoUmount, m: s.Mounter}, nil
}

// Newest returns the most recent image at rest, empty when there is none.
func (s *Store) Newest() string {
	for _, p := range []string{s.Layout.UpdateImage(), s.Layout.ModuleImage()} {
		if utils.Exists(p) {
			return p
		}
	}
	return ""
}

// Stage prepares the in-progress image for a mutation. When no image exists a new one
// of grow bytes is created if allowed, otherwise the newest image is copied and grown.
func (s *Store) Stage(grow uint64, allowCreate bool) error {
	tmp := s.Layout.TmpImage()
	if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	src := s.Newest()
	if src == "" {
		if !allowCreate {
			return ErrNoImage
		}
		utils.Log.Info().Uint64("size", grow).Msg("creating brand new module image")
		return s.Create(tmp, grow)
	}
	utils.Log.Info().Str("from", src).Str("to", tmp).Msg("copying image")
	if err := utils.CopySparseFile(src, tmp, false); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if grow == 0 {
		return nil
	}
	if err := s.Grow(tmp, grow); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Discard drops the in-progress image and its mount.
func (s *Store) Discard() {
	_ = s.Mounter.Unmount(s.Layout.ModuleUpdateDir)
	if err := os.Remove(s.Layout.TmpImage()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		utils.Log.Warn().Err(err).Msg("removing staging image")
	}
}

// SwapActive publishes the in-progress image as the pending update.
func (s *Store) SwapActive() error {
	return renameOrCopy(s.Layout.TmpImage(), s.Layout.UpdateImage())
}

func (s *Store) MarkUpdate() error {
	return utils.EnsureFileExists(s.Layout.UpdateFlag())
}

// Promote makes a pending update the active image, called once boot completed.
func (s *Store) Promote() error {
	if !utils.Exists(s.Layout.UpdateImage()) {
		return nil
	}
	utils.Log.Info().Msg("promoting updated module image")
	return renameOrCopy(s.Layout.UpdateImage(), s.Layout.ModuleImage())
}

// SelectActive picks the image to mount at post-fs-data. A pending update is tried
// once: its flag is consumed here, so a boot that never completes falls back next time.
// It returns an empty path when no image exists.
func (s *Store) SelectActive() (string, error) {
	update, flag := s.Layout.UpdateImage(), s.Layout.UpdateFlag()
	if utils.Exists(update) {
		if utils.Exists(flag) {
			if err := os.Remove(flag); err != nil {
				return "", err
			}
			return update, nil
		}
		utils.Log.Warn().Str("image", update).Msg("removing stale update image")
		if err := os.Remove(update); err != nil {
			return "", err
		}
	}
	if utils.Exists(s.Layout.ModuleImage()) {
		return s.Layout.ModuleImage(), nil
	}
	return "", nil
}

func renameOrCopy(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	utils.Log.Warn().Err(err).Str("from", src).Str("to", dst).Msg("rename failed, copying")
	if err := utils.CopySparseFile(src, dst, false); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return os.Remove(src)
}
