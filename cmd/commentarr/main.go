// Package main is the entry point for the commentarr application.
package main

import (
	"os"

	"github.com/jmylchreest/commentarr/cmd/commentarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
