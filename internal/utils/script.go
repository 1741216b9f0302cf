package utils

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/kernelsu/ksud/internal/version"
	"github.com/kernelsu/ksud/pkg/schema"
)

// ScriptRunner executes module and stage scripts with the runtime environment.
type ScriptRunner struct {
	Layout schema.Layout
	// KernelVersion is exported as KSU_KERNEL_VER_CODE.
	KernelVersion uint32
	// Shell overrides the interpreter, busybox sh from the bin dir when empty.
	Shell []string
}

// Environ returns the process environment plus the module script variables.
func (r ScriptRunner) Environ(extra ...string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = "/system/bin:/system/xbin"
	}
	env := append(os.Environ(),
		"ASH_STANDALONE=1",
		"KSU=true",
		"KSU_KERNEL_VER_CODE="+strconv.FormatUint(uint64(r.KernelVersion), 10),
		"KSU_VER_CODE="+version.GetVersionCode(),
		"KSU_VER="+version.GetVersion(),
		fmt.Sprintf("PATH=%s:%s", path, r.Layout.BinDir),
	)
	return append(env, extra...)
}

func (r ScriptRunner) shell() []string {
	if len(r.Shell) > 0 {
		return r.Shell
	}
	busybox := filepath.Join(r.Layout.BinDir, "busybox")
	if Exists(busybox) {
		return []string{busybox, "sh"}
	}
	return []string{"/system/bin/sh"}
}

// Run executes script from its own directory in a new process group.
// When wait is false the child is left running and never reaped.
func (r ScriptRunner) Run(script string, wait bool, extraEnv ...string) error {
	sh := r.shell()
	args := append(append([]string{}, sh[1:]...), script)
	cmd := exec.Command(sh[0], args...)
	cmd.Dir = filepath.Dir(script)
	cmd.Env = r.Environ(extraEnv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	l := Log.With().Str("script", script).Bool("wait", wait).Logger()
	l.Info().Msg("exec script")
	if !wait {
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting %s: %w", script, err)
		}
		return cmd.Process.Release()
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w", script, err)
	}
	return nil
}

// RunInline runs content with sh -c from dir and waits for it.
func (r ScriptRunner) RunInline(dir, content string, extraEnv ...string) error {
	sh := r.shell()
	args := append(append([]string{}, sh[1:]...), "-c", content)
	cmd := exec.Command(sh[0], args...)
	cmd.Dir = dir
	cmd.Env = r.Environ(extraEnv...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running inline script: %w", err)
	}
	return nil
}

// RunDir runs every executable regular file in dir in name order. A missing dir is not an error.
func (r ScriptRunner) RunDir(dir string, wait bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var result error
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		if err := r.Run(filepath.Join(dir, e.Name()), wait); err != nil {
			Log.Warn().Err(err).Str("what", e.Name()).Msg("common script failed")
			result = multierror.Append(result, err)
		}
	}
	return result
}
