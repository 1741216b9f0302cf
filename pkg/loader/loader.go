package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/pkg/driver"
	"github.com/kernelsu/ksud/pkg/op"
)

// Loader is the first stage init: it loads the driver module when the kernel does not
// carry it and hands /init back to the real init.
type Loader struct {
	// Root is the ramdisk root, "/" when running as init.
	Root   string
	Sys    Syscalls
	Driver driver.Session
	// KmsgLogger redirects the process logger to the given kmsg device.
	KmsgLogger func(path string)
}

func New() *Loader {
	return &Loader{
		Root:       "/",
		Sys:        SystemCalls(),
		Driver:     driver.Default(),
		KmsgLogger: utils.SetKmsgLogger,
	}
}

func (l *Loader) path(p ...string) string {
	return filepath.Join(append([]string{l.Root}, p...)...)
}

// Init runs every step of the first stage. Only running as something other than pid 1
// aborts early, any other failure is logged and the next step still runs so the device
// gets to the real init.
func (l *Loader) Init() error {
	if l.Sys.Getpid() != 1 {
		return constants.ErrNotPidOne
	}
	l.SetupKmsg()
	utils.Log.Info().Msg("Hello, KernelSU!")

	scope := l.MountKernelFS()
	defer func() {
		if err := scope.Close(); err != nil {
			utils.Log.Err(err).Msg("unmounting kernel filesystems")
		}
	}()

	l.UnlimitKmsg()

	if l.Driver.Present() {
		utils.Log.Info().Msg("KernelSU may be already loaded in kernel, skip!")
	} else if err := l.LoadModule(); err != nil {
		utils.Log.Err(err).Msg("Cannot load kernelsu.ko")
	}

	return l.RelinkInit()
}

// SetupKmsg routes the logs to the kernel ring buffer, creating the device node when
// the ramdisk has no /dev/kmsg yet.
func (l *Loader) SetupKmsg() {
	kmsg := l.path("dev", "kmsg")
	if !utils.Exists(kmsg) {
		kmsg = l.path("kmsg")
		if err := l.Sys.Mknod(kmsg, 1, 11); err != nil {
			utils.Log.Warn().Err(err).Str("what", kmsg).Msg("creating kmsg node")
		}
	}
	if l.KmsgLogger != nil {
		l.KmsgLogger(kmsg)
	}
}

// MountKernelFS mounts procfs and sysfs. The returned scope unmounts whatever was mounted.
func (l *Loader) MountKernelFS() *op.Scope {
	scope := op.NewScope(true)
	scope.Unmounter = func(target string, _ bool) error { return l.Sys.Unmount(target) }

	for _, m := range []struct{ fstype, dir string }{{"proc", "proc"}, {"sysfs", "sys"}} {
		target := l.path(m.dir)
		if err := os.MkdirAll(target, 0o755); err != nil {
			utils.Log.Err(err).Str("where", target).Msg("creating mount point")
			continue
		}
		if err := l.Sys.MountFS(m.fstype, target); err != nil {
			utils.Log.Err(err).Str("what", m.fstype).Str("where", target).Msg("Cannot mount")
			continue
		}
		scope.Track(target)
	}
	return scope
}

// UnlimitKmsg turns off the kmsg rate limit so early logs are not dropped.
func (l *Loader) UnlimitKmsg() {
	knob := l.path("proc", "sys", "kernel", "printk_devkmsg")
	f, err := os.OpenFile(knob, os.O_WRONLY, 0)
	if err != nil {
		utils.Log.Debug().Err(err).Msg("opening printk_devkmsg")
		return
	}
	defer f.Close()
	_, _ = f.WriteString("on\n")
}

// FindModule returns the first kernel object present at the root.
func (l *Loader) FindModule() (string, error) {
	for _, name := range ModuleNames {
		p := l.path(name)
		if utils.Exists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("none of %v found: %w", ModuleNames, os.ErrNotExist)
}

// Kallsyms reads the kernel symbol table with kptr_restrict raised for the duration.
func (l *Loader) Kallsyms() (SymbolMap, error) {
	guard, err := RaiseKptrRestrict(l.path("proc", "sys", "kernel", "kptr_restrict"))
	if err != nil {
		return nil, fmt.Errorf("raising kptr_restrict: %w", err)
	}
	defer func() {
		if err := guard.Restore(); err != nil {
			utils.Log.Warn().Err(err).Msg("restoring kptr_restrict")
		}
	}()

	f, err := os.Open(l.path("proc", "kallsyms"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseKallsyms(f)
}

// LoadModule links the driver object against the running kernel and inserts it.
func (l *Loader) LoadModule() error {
	path, err := l.FindModule()
	if err != nil {
		return err
	}
	utils.Log.Info().Str("what", path).Msg("Loading kernelsu.ko..")

	obj, err := ReadModule(path)
	if err != nil {
		return err
	}
	syms, err := l.Kallsyms()
	if err != nil {
		return fmt.Errorf("parsing kallsyms: %w", err)
	}
	patched, missing, err := PatchUndefined(obj, syms)
	if err != nil {
		return err
	}
	for _, name := range missing {
		utils.Log.Warn().Str("symbol", name).Msg("Cannot find symbol")
	}
	utils.Log.Debug().Int("patched", len(patched)).Int("missing", len(missing)).Msg("symbols resolved")
	return l.Sys.InitModule(obj, "")
}

// RelinkInit points /init at the real init: /init.real when the ramdisk keeps one,
// the system init otherwise.
func (l *Loader) RelinkInit() error {
	initPath := l.path("init")
	if err := os.Remove(initPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlinking init: %w", err)
	}
	target := "/system/bin/init"
	if utils.Exists(l.path("init.real")) {
		target = "init.real"
	}
	utils.Log.Info().Str("target", target).Msg("init is")

	if err := os.Symlink(target, initPath); err != nil {
		return fmt.Errorf("linking init: %w", err)
	}
	return nil
}
