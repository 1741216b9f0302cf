package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/kernelsu/ksud/internal/constants"
	"github.com/kernelsu/ksud/internal/utils"
	"github.com/kernelsu/ksud/internal/version"
	"github.com/kernelsu/ksud/pkg/loader"
)

// ksuinit replaces /init in the ramdisk. Whatever happens it execs the real init
// afterwards so the device still boots without the driver.
func main() {
	l := loader.New()
	err := l.Init()
	if errors.Is(err, constants.ErrNotPidOne) {
		utils.Log.Err(err).Msg("ksuinit")
		os.Exit(1)
	}
	if err != nil {
		utils.Log.Err(err).Msg("preparing init")
	}

	v := version.Get()
	utils.Log.Info().Str("version", v.Version).Str("commit", v.GitCommit).Msg("handing over to init")
	if err := loader.Exec(filepath.Join(l.Root, "init"), os.Args); err != nil {
		utils.Log.Err(err).Msg("exec init")
		os.Exit(1)
	}
}
