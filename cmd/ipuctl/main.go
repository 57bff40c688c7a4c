// Package main is the entry point for the ipuctl CLI.
package main

import (
	"os"

	"github.com/vnmchuo/ipu-finops/cmd/ipuctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
