package op

import (
	"fmt"
	"strings"

	"github.com/containerd/containerd/mount"
	"github.com/kernelsu/ksud/internal/constants"
	internalUtils "github.com/kernelsu/ksud/internal/utils"
)

func newOperation(m mount.Mount, target string) MountOperation {
	tmpFstab := MountToFstab(m)
	tmpFstab.File = target
	return MountOperation{
		MountOption: m,
		FstabEntry:  *tmpFstab,
		Target:      target,
		PrepareCallback: func() error {
			return internalUtils.CreateIfNotExists(target)
		},
	}
}

// Ext4Image mounts an ext4 image file through a loop device.
func Ext4Image(image, target string) MountOperation {
	return newOperation(mount.Mount{
		Type:    "ext4",
		Source:  image,
		Options: []string{"loop", "rw", "noatime"},
	}, target)
}

// Tmpfs mounts a tmpfs labelled with the runtime mount source.
func Tmpfs(target string) MountOperation {
	return newOperation(mount.Mount{
		Type:    "tmpfs",
		Source:  constants.MountSource,
		Options: []string{"mode=0755"},
	}, target)
}

// Overlay mounts a read-only overlay, lowerdirs ordered highest priority first.
func Overlay(lowerdirs []string, target string) MountOperation {
	o := newOperation(mount.Mount{
		Type:    "overlay",
		Source:  constants.MountSource,
		Options: []string{"ro", fmt.Sprintf("lowerdir=%s", strings.Join(lowerdirs, ":"))},
	}, target)
	o.PrepareCallback = nil
	o.Stack = true
	return o
}
