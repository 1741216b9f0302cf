package image

import (
	"errors"
	"fmt"

	"github.com/avast/retry-go"
	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/op"
)

// Mounter attaches an image file to a directory.
type Mounter interface {
	Mount(image, dir string) error
	Unmount(dir string) error
}

// LoopMounter mounts through a loop device, falling back to the mount binary.
type LoopMounter struct{}

func (LoopMounter) Mount(image, dir string) error {
	// a stale mount of a previous run must not shadow the new one
	_ = op.Unmount(dir, false)

	err := retry.Do(
		func() error { return op.Ext4Image(image, dir).Run() },
		retry.RetryIf(func(err error) bool { return !errors.Is(err, constants.ErrAlreadyMounted) }),
		retry.Attempts(3),
		retry.Delay(0),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return nil
	}
	utils.Log.Warn().Err(err).Str("image", image).Msg("mount failed, retrying with the mount binary")
	if _, cmdErr := utils.RunCommand("mount", "-t", "ext4", image, dir); cmdErr != nil {
		return fmt.Errorf("mounting %s on %s: %w", image, dir, errors.Join(err, cmdErr))
	}
	return nil
}

func (LoopMounter) Unmount(dir string) error {
	return retry.Do(
		func() error { return op.Unmount(dir, false) },
		retry.Attempts(3),
		retry.Delay(0),
		retry.LastErrorOnly(true),
	)
}
