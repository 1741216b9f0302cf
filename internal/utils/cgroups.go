package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// CgroupDirs are the unrestricted cgroup roots scripts and shells are moved into.
func CgroupDirs(perAppMemcg bool) []string {
	dirs := []string{"/acct", "/dev/cg2_bpf", "/sys/fs/cgroup"}
	if perAppMemcg {
		dirs = append(dirs, "/dev/memcg/apps")
	}
	return dirs
}

// SwitchCgroups moves pid out of whatever restricted groups init placed it in.
// Children spawned afterwards inherit the membership.
func SwitchCgroups(pid int) error {
	return SwitchCgroupsIn(CgroupDirs(GetProp("ro.config.per_app_memcg") != "false"), pid)
}

// SwitchCgroupsIn writes pid to cgroup.procs of every dir that has one.
func SwitchCgroupsIn(dirs []string, pid int) error {
	var err error
	for _, dir := range dirs {
		procs := filepath.Join(dir, "cgroup.procs")
		if !Exists(procs) {
			continue
		}
		f, e := os.OpenFile(procs, os.O_WRONLY|os.O_APPEND, 0)
		if e != nil {
			err = multierror.Append(err, e)
			continue
		}
		if _, e := fmt.Fprintf(f, "%d\n", pid); e != nil {
			err = multierror.Append(err, fmt.Errorf("writing %s: %w", procs, e))
		}
		_ = f.Close()
	}
	return err
}
