package magic

import (
	"os"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/schema"
	"github.com/pkg/xattr"
)

// relocations lists the partitions that may be served from /<part> instead of
// /system/<part>, and whether /system/<part> has to be a link for that.
var relocations = []struct {
	part           string
	requireSymlink bool
}{
	{"vendor", true},
	{"system_ext", true},
	{"product", true},
	{"odm", false},
}

func isOpaque(path string) bool {
	v, err := xattr.LGet(path, constants.OpaqueXattr)
	return err == nil && string(v) == "y"
}

func newModuleNode(name, path string) (*Node, bool) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, false
	}
	kind, ok := kindOf(fi)
	if !ok {
		return nil, false
	}
	n := &Node{Name: name, Kind: kind, ModulePath: path}
	if kind == Directory {
		n.Replace = isOpaque(path)
	}
	return n, true
}

// collect merges the entries of the module dir into n and reports whether anything
// mountable was found below it.
func (n *Node) collect(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	found := false
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		fresh, ok := newModuleNode(e.Name(), path)
		if !ok {
			utils.Log.Debug().Str("path", path).Msg("unsupported file type, ignoring")
			continue
		}
		child := n.Children.Add(fresh)
		if child != fresh && child.Kind == fresh.Kind && (child.Kind == RegularFile || child.Kind == Symlink) {
			// the later module wins a leaf, a whiteout stays
			child.ModulePath = fresh.ModulePath
		}
		if child != fresh && child.Kind == Directory && fresh.Kind == Directory && fresh.Replace {
			// an opaque dir of a later module hides the stock children and owns the tmpfs
			child.Replace = true
			child.ModulePath = fresh.ModulePath
		}
		if child.Kind != Directory {
			found = true
			continue
		}
		if fresh.Kind != Directory {
			continue
		}
		sub, err := child.collect(path)
		if err != nil {
			return found, err
		}
		found = found || sub || child.Replace
	}
	return found, nil
}

// Collect merges the system/ tree of every module into a tree rooted at /. The modules
// are taken in order: a later module takes over leaf files of the same kind, but never
// changes the kind of a node an earlier one created.
// It returns nil when no module carries anything to mount.
func (e *Engine) Collect(mods []schema.Module) (*Node, error) {
	root := NewDir("")
	system := NewDir("system")
	found := false
	for _, m := range mods {
		if !m.Enabled || m.Remove {
			continue
		}
		if utils.Exists(filepath.Join(m.Path, constants.SkipMountFileName)) {
			utils.Log.Info().Str("module", m.ID).Msg("skip_mount set, not mounting")
			continue
		}
		dir := filepath.Join(m.Path, "system")
		if !utils.IsDir(dir) {
			continue
		}
		utils.Log.Debug().Str("module", m.ID).Msg("collecting")
		sub, err := system.collect(dir)
		if err != nil {
			return nil, err
		}
		found = found || sub
	}
	if !found {
		return nil, nil
	}

	for _, r := range relocations {
		top := filepath.Join(e.Root, r.part)
		nested := filepath.Join(e.Root, "system", r.part)
		if !utils.IsDir(top) || (r.requireSymlink && !utils.IsSymlink(nested)) {
			continue
		}
		if n, ok := system.Children.Remove(r.part); ok {
			utils.Log.Debug().Str("partition", r.part).Msg("relocating to /")
			root.Children.Add(n)
		}
	}
	root.Children.Add(system)
	return root, nil
}
