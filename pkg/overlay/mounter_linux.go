//go:build linux

package overlay

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kernelsu/ksud/pkg/op"
	"github.com/moby/sys/mountinfo"
)

// System mounts through the kernel.
type System struct{}

func (System) Overlay(lowerdirs []string, target string) error {
	return op.Overlay(lowerdirs, target).Run()
}

func (System) BindRecursive(source, target string) error { return op.BindRecursive(source, target) }
func (System) Unmount(target string) error               { return op.Unmount(target, false) }

func (System) Submounts(root string) ([]string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(root))
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range mounts {
		if m.Mountpoint == root || seen[m.Mountpoint] {
			continue
		}
		seen[m.Mountpoint] = true
		out = append(out, m.Mountpoint)
	}
	sort.Strings(out)
	return out, nil
}

// Pin holds dir open and hands back its /proc/self/fd path.
func (System) Pin(dir string) (string, io.Closer, error) {
	f, err := os.Open(dir)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("/proc/self/fd/%d", f.Fd()), f, nil
}
