package magic

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/op"
	"github.com/kernelsu/ksud/pkg/schema"
)

// Engine grafts module files over the live root one path at a time, building tmpfs
// skeletons only for the directories that cannot be patched with bind mounts.
type Engine struct {
	// Root is the live root, "/" on a device.
	Root string
	// WorkDir is where the scratch tmpfs holding the skeletons is mounted.
	WorkDir string
	Mounter op.Mounter
	Labels  utils.Labeler
}

func New(l schema.Layout) *Engine {
	return &Engine{Root: l.Root, WorkDir: l.MagicWorkDir, Mounter: op.System{}, Labels: utils.SELinuxLabels{}}
}

// MountModules collects the modules and mounts the result.
func (e *Engine) MountModules(mods []schema.Module) error {
	root, err := e.Collect(mods)
	if err != nil {
		return fmt.Errorf("collecting module files: %w", err)
	}
	if root == nil {
		utils.Log.Info().Msg("no module files to mount")
		return nil
	}
	utils.Log.Debug().Msg("collected tree:\n" + root.String())
	return e.Mount(root)
}

// Mount materialises the tree. The scratch tmpfs is detached whatever the outcome, a
// panic while grafting included.
func (e *Engine) Mount(root *Node) error {
	if err := os.MkdirAll(e.WorkDir, 0o755); err != nil {
		return err
	}
	defer func() { _ = os.Remove(e.WorkDir) }()
	if err := e.Mounter.Tmpfs(constants.MountSource, e.WorkDir); err != nil {
		return err
	}
	scratch := op.NewScope(true)
	scratch.Unmounter = func(target string, _ bool) error { return e.Mounter.Detach(target) }
	scratch.Track(e.WorkDir)
	defer func() {
		if err := scratch.Close(); err != nil {
			utils.Log.Error().Err(err).Str("where", e.WorkDir).Msg("detaching scratch tmpfs")
		}
	}()

	if err := e.Mounter.MakePrivate(e.WorkDir); err != nil {
		return err
	}
	return e.mount(e.Root, e.WorkDir, root, false)
}

// needsTmpfs applies the skeleton rule to the children of n: a symlink, a whiteout over
// a live entry, or a child whose live kind differs all need one. Dirs owned by no module
// cannot get a skeleton, their offending children are marked skipped instead.
func (e *Engine) needsTmpfs(n *Node, live string) bool {
	for _, c := range n.Children.List() {
		real := filepath.Join(live, c.Name)
		var need bool
		switch c.Kind {
		case Symlink:
			need = true
		case Whiteout:
			need = utils.Exists(real)
		default:
			fi, err := os.Lstat(real)
			if err != nil {
				need = true
				break
			}
			kind, ok := kindOf(fi)
			need = !ok || kind != c.Kind || kind == Symlink
		}
		if !need {
			continue
		}
		if n.ModulePath == "" {
			utils.Log.Error().Str("where", live).Str("child", c.Name).Msg("cannot create tmpfs here, ignoring child")
			c.Skip = true
			continue
		}
		return true
	}
	return false
}

func (e *Engine) mount(parentLive, parentWork string, n *Node, hasTmpfs bool) error {
	live := filepath.Join(parentLive, n.Name)
	work := filepath.Join(parentWork, n.Name)

	switch n.Kind {
	case RegularFile:
		if n.ModulePath == "" {
			return fmt.Errorf("cannot mount root file %s", live)
		}
		target := live
		if hasTmpfs {
			if err := createEmpty(work); err != nil {
				return err
			}
			target = work
		}
		utils.Log.Debug().Str("what", n.ModulePath).Str("where", target).Msg("mount module file")
		return e.Mounter.Bind(n.ModulePath, target)
	case Symlink:
		if n.ModulePath == "" {
			return fmt.Errorf("cannot mount root symlink %s", live)
		}
		return e.cloneSymlink(n.ModulePath, work)
	case Whiteout:
		utils.Log.Debug().Str("path", live).Msg("removed by whiteout")
		return nil
	}
	return e.mountDir(live, work, n, hasTmpfs)
}

func (e *Engine) mountDir(live, work string, n *Node, hasTmpfs bool) error {
	createTmpfs := !hasTmpfs && n.Replace && n.ModulePath != ""
	if !hasTmpfs && !createTmpfs {
		createTmpfs = e.needsTmpfs(n, live)
	}
	hasTmpfs = hasTmpfs || createTmpfs

	if hasTmpfs {
		origin := live
		if !utils.Exists(live) {
			if n.ModulePath == "" {
				return fmt.Errorf("cannot mount root dir %s", live)
			}
			origin = n.ModulePath
		}
		if err := os.MkdirAll(work, 0o755); err != nil {
			return err
		}
		if err := e.cloneAttrs(origin, work); err != nil {
			return err
		}
	}
	if createTmpfs {
		utils.Log.Debug().Str("what", live).Str("where", work).Msg("creating tmpfs skeleton")
		if err := e.Mounter.Bind(work, work); err != nil {
			return fmt.Errorf("bind self: %w", err)
		}
	}

	fail := func(name string, err error) error {
		err = fmt.Errorf("magic mount %s: %w", filepath.Join(live, name), err)
		if hasTmpfs {
			return err
		}
		utils.Log.Error().Err(err).Msg("mounting child")
		return nil
	}

	if utils.IsDir(live) && !n.Replace {
		entries, err := os.ReadDir(live)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			name := entry.Name()
			var err error
			if child, ok := n.Children.Remove(name); ok {
				if child.Skip {
					continue
				}
				err = e.mount(live, work, child, hasTmpfs)
			} else if hasTmpfs {
				err = e.mirror(live, work, entry)
			}
			if err != nil {
				if err := fail(name, err); err != nil {
					return err
				}
			}
		}
	}

	if n.Replace {
		if n.ModulePath == "" {
			return fmt.Errorf("dir %s is declared replaced but belongs to no module", live)
		}
		utils.Log.Debug().Str("path", live).Msg("dir is replaced")
	}

	for _, child := range n.Children.List() {
		if child.Skip {
			continue
		}
		if err := e.mount(live, work, child, hasTmpfs); err != nil {
			if err := fail(child.Name, err); err != nil {
				return err
			}
		}
	}

	if createTmpfs {
		utils.Log.Debug().Str("what", work).Str("where", live).Msg("moving tmpfs skeleton")
		if err := e.Mounter.Move(work, live); err != nil {
			return fmt.Errorf("move self: %w", err)
		}
		if err := e.Mounter.MakePrivate(live); err != nil {
			return fmt.Errorf("make self private: %w", err)
		}
	}
	return nil
}

// mirror reproduces a stock entry inside a skeleton.
func (e *Engine) mirror(live, work string, entry fs.DirEntry) error {
	src := filepath.Join(live, entry.Name())
	dst := filepath.Join(work, entry.Name())
	switch {
	case entry.Type().IsRegular():
		if err := createEmpty(dst); err != nil {
			return err
		}
		return e.Mounter.Bind(src, dst)
	case entry.IsDir():
		if err := os.Mkdir(dst, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
		if err := e.cloneAttrs(src, dst); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, c := range entries {
			if err := e.mirror(src, dst, c); err != nil {
				return err
			}
		}
		return nil
	case entry.Type()&fs.ModeSymlink != 0:
		return e.cloneSymlink(src, dst)
	}
	utils.Log.Debug().Str("path", src).Msg("not mirroring special file")
	return nil
}

// cloneAttrs copies mode, owner and SELinux context of src onto dst.
func (e *Engine) cloneAttrs(src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.Chmod(dst, fi.Mode()&(fs.ModePerm|fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)); err != nil {
		return err
	}
	if uid, gid, ok := ownerOf(fi); ok {
		if err := os.Lchown(dst, uid, gid); err != nil {
			return err
		}
	}
	return e.copyLabel(src, dst)
}

func (e *Engine) cloneSymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if err := os.Symlink(target, dst); err != nil {
		return err
	}
	utils.Log.Debug().Str("path", dst).Str("target", target).Msg("clone symlink")
	return e.copyLabel(src, dst)
}

func (e *Engine) copyLabel(src, dst string) error {
	label, err := e.Labels.Get(src)
	if err != nil || label == "" {
		return err
	}
	return e.Labels.Set(dst, label)
}

func createEmpty(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
