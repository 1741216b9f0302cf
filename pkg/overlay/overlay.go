package overlay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/schema"
)

// Mounter is what the engine needs from the kernel.
type Mounter interface {
	// Overlay mounts a read-only overlay on target, lowerdirs ordered highest priority first.
	Overlay(lowerdirs []string, target string) error
	BindRecursive(source, target string) error
	Unmount(target string) error
	// Submounts lists the mount points strictly below root, sorted.
	Submounts(root string) ([]string, error)
	// Pin returns a path that keeps resolving to the stock dir once something is mounted over it.
	Pin(dir string) (string, io.Closer, error)
}

// Engine grafts module partition dirs over the live partitions with overlayfs.
type Engine struct {
	// Root is the live root the partitions are looked up under.
	Root       string
	Mounter    Mounter
	Partitions []string
}

func New(root string) *Engine {
	return &Engine{Root: root, Mounter: System{}, Partitions: constants.DefaultPartitions()}
}

// Lowerdirs collects, per partition, the module dirs to stack over it, highest priority
// first: a later module sits above the earlier ones and wins a contested path.
// A module ships a partition either at <module>/<part> or at <module>/system/<part>.
// Modules with skip_mount are left out.
func (e *Engine) Lowerdirs(mods []schema.Module) map[string][]string {
	lowers := map[string][]string{}
	for _, m := range mods {
		if utils.Exists(filepath.Join(m.Path, constants.SkipMountFileName)) {
			utils.Log.Info().Str("module", m.ID).Msg("skip_mount set, not mounting")
			continue
		}
		for _, part := range e.Partitions {
			dir := filepath.Join(m.Path, part)
			if !utils.IsDir(dir) && part != "system" {
				dir = filepath.Join(m.Path, "system", part)
			}
			if utils.IsDir(dir) {
				lowers[part] = append([]string{dir}, lowers[part]...)
			}
		}
	}
	return lowers
}

// MountSystemlessly overlays the modules over every partition. A failed partition does
// not stop the others, all failures are returned together.
func (e *Engine) MountSystemlessly(mods []schema.Module) error {
	lowers := e.Lowerdirs(mods)
	var result error
	for _, part := range e.Partitions {
		if err := e.MountPartition(part, lowers[part]); err != nil {
			utils.Log.Warn().Err(err).Str("partition", part).Msg("overlay mount failed")
			result = multierror.Append(result, err)
		}
	}
	return result
}

// Target resolves where a partition lives. On merged-system layouts /system/<part> is a
// link and the partition is mounted at /<part>, otherwise it lives under /system. An empty
// target means /<part> is itself a link and there is nothing to mount on.
func (e *Engine) Target(part string) string {
	if part == "system" {
		return filepath.Join(e.Root, part)
	}
	nested := filepath.Join(e.Root, "system", part)
	if utils.IsDir(nested) && !utils.IsSymlink(nested) {
		return nested
	}
	top := filepath.Join(e.Root, part)
	if utils.IsSymlink(top) {
		return ""
	}
	return top
}

// MountPartition overlays lowerdirs over the partition.
func (e *Engine) MountPartition(part string, lowerdirs []string) error {
	if len(lowerdirs) == 0 {
		utils.Log.Debug().Str("partition", part).Msg("no module content")
		return nil
	}
	root := e.Target(part)
	if root == "" {
		utils.Log.Info().Str("partition", part).Msg("partition is a symlink, skipping")
		return nil
	}
	if !utils.IsDir(root) {
		utils.Log.Info().Str("partition", root).Msg("partition not present, skipping")
		return nil
	}
	return e.mountTree(root, lowerdirs)
}

func (e *Engine) mountTree(root string, lowerdirs []string) error {
	children, err := e.Mounter.Submounts(root)
	if err != nil {
		return fmt.Errorf("listing mounts under %s: %w", root, err)
	}
	stock, pin, err := e.Mounter.Pin(root)
	if err != nil {
		return err
	}
	defer pin.Close()

	utils.Log.Info().Str("where", root).Strs("lowerdirs", lowerdirs).Int("children", len(children)).Msg("mounting overlay")
	if err := e.Mounter.Overlay(append(append([]string{}, lowerdirs...), stock), root); err != nil {
		return fmt.Errorf("overlay on %s: %w", root, err)
	}

	for _, child := range children {
		relative := strings.TrimPrefix(child, root)
		stockChild := stock + relative
		if !utils.Exists(stockChild) {
			continue
		}
		if err := e.mountChild(child, relative, lowerdirs, stockChild); err != nil {
			utils.Log.Warn().Err(err).Str("where", child).Msg("child mount failed, reverting")
			if uerr := e.Mounter.Unmount(root); uerr != nil {
				return multierror.Append(err, fmt.Errorf("reverting %s: %w", root, uerr))
			}
			return err
		}
	}
	return nil
}

// mountChild restores a submount hidden by the root overlay, merging module content when
// some module touches it. lowerdirs keep the priority order of the root overlay.
func (e *Engine) mountChild(target, relative string, lowerdirs []string, stock string) error {
	touched := false
	for _, l := range lowerdirs {
		if utils.Exists(l + relative) {
			touched = true
			break
		}
	}
	if !touched {
		return e.Mounter.BindRecursive(stock, target)
	}
	if !utils.IsDir(stock) {
		return nil
	}

	var dirs []string
	for _, l := range lowerdirs {
		p := l + relative
		st, err := os.Stat(p)
		switch {
		case err != nil:
			continue
		case st.IsDir():
			dirs = append(dirs, p)
		default:
			// a module file replaces the whole child
			return nil
		}
	}
	if len(dirs) == 0 {
		return nil
	}
	if err := e.Mounter.Overlay(append(dirs, stock), target); err != nil {
		utils.Log.Warn().Err(err).Str("where", target).Msg("child overlay failed, binding stock")
		return e.Mounter.BindRecursive(stock, target)
	}
	return nil
}
