// Package main is the entry point for the wg-manager binary.
//
// wg-manager brings WireGuard tunnels up and down through wg-quick or the
// kernel interface, restores the tunnels that were running at boot and saves
// them again at shutdown.
//
// Usage:
//
//	wg-manager list          # list tunnels and their state
//	wg-manager up home       # bring a tunnel up
//	wg-manager daemon        # restore at start, save at shutdown
package main

import (
	"os"

	"github.com/treykane/wg-manager/internal/cli"
)

func main() {
	// Execute prints the user-facing error itself.
	if err := cli.Execute(cli.NewRootCommand()); err != nil {
		os.Exit(1)
	}
}
