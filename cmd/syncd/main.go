// Command syncd runs the shop's local-first sync daemon and its maintenance
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Local-first sync daemon for the shop till",
	Long: `syncd keeps the on-device store of a till in step with the shop's shared
backend. Sales and stock changes are written locally first and pushed when the
backend is reachable; remote changes are pulled and applied last-write-wins.

Configuration comes from .env, the file named by SHOPSYNC_CONFIG and the
environment, in that order.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "bundles", Title: "Offline bundles:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
