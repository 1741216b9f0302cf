package utils

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/kernelsu/ksud/internal/constants"
)

// CaptureBootlog starts `timeout -s 9 30s <args>` in the background writing into logDir/<name>.log.
// A previous capture is kept as <name>.old.log.
func CaptureBootlog(logDir, busybox, name string, args ...string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	current := filepath.Join(logDir, name+".log")
	old := filepath.Join(logDir, name+".old.log")
	if Exists(current) {
		_ = os.Rename(current, old)
	}

	out, err := os.Create(current)
	if err != nil {
		return err
	}
	defer out.Close()

	timeoutArgs := append([]string{"-s", "9", constants.BootlogTimeout}, args...)
	var cmd *exec.Cmd
	if Exists(busybox) {
		cmd = exec.Command(busybox, append([]string{"timeout"}, timeoutArgs...)...)
	} else {
		cmd = exec.Command("timeout", timeoutArgs...)
	}
	cmd.Stdout = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	Log.Debug().Str("what", name).Int("pid", cmd.Process.Pid).Msg("capturing bootlog")
	return cmd.Process.Release()
}
