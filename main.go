package main

import (
	"fmt"
	"os"

	"github.com/kernelsu/ksud/internal/cmd"
)

func main() {
	if err := cmd.NewApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "- Error: %s\n", err)
		os.Exit(1)
	}
}
