package image

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"

	"github.com/kernelsu/ksud/internal/utils"
)

// Tools wraps the ext4 userspace utilities.
type Tools interface {
	// Format creates an ext4 filesystem with 1 KiB blocks.
	Format(path string) error
	// Check forces a filesystem check and repairs what it can.
	Check(path string) error
	// MinimumSize is the smallest size the filesystem can shrink to, in KiB.
	MinimumSize(path string) (uint64, error)
	// Resize grows or shrinks the filesystem to size KiB.
	Resize(path string, kib uint64) error
}

// E2fsprogs runs mkfs.ext4, e2fsck and resize2fs from PATH.
type E2fsprogs struct{}

var minimumSizeRe = regexp.MustCompile(`filesystem: (\d+)`)

func (E2fsprogs) Format(path string) error {
	if _, err := utils.RunCommand("mkfs.ext4", "-b", "1024", path); err != nil {
		return fmt.Errorf("formatting %s: %w", path, err)
	}
	return nil
}

func (E2fsprogs) Check(path string) error {
	out, err := exec.Command("e2fsck", "-yf", path).CombinedOutput()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		utils.Log.Info().Str("image", path).Msg("e2fsck corrected filesystem errors")
		return nil
	}
	return fmt.Errorf("e2fsck %s: %w: %s", path, err, out)
}

func (E2fsprogs) MinimumSize(path string) (uint64, error) {
	out, err := exec.Command("resize2fs", "-P", path).Output()
	if err != nil {
		return 0, fmt.Errorf("resize2fs -P %s: %w", path, err)
	}
	return ParseMinimumSize(string(out))
}

func (E2fsprogs) Resize(path string, kib uint64) error {
	if _, err := utils.RunCommand("resize2fs", path, fmt.Sprintf("%dK", kib)); err != nil {
		return fmt.Errorf("resizing %s: %w", path, err)
	}
	return nil
}

// ParseMinimumSize extracts the block count from resize2fs -P output.
func ParseMinimumSize(out string) (uint64, error) {
	m := minimumSizeRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("unexpected resize2fs output: %q", out)
	}
	return strconv.ParseUint(m[1], 10, 64)
}
