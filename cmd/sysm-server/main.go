// Package main is the entry point for the sysm server.
//
// Usage:
//
//	sysm-server serve -c config.yaml     # Start the server
//	sysm-server validate -c config.yaml  # Validate configuration
//	sysm-server version                  # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "sysm-server",
	Short: "Live status monitor for applications and their services",
	Long: `sysm-server keeps the live status of a set of applications.

Each application has one publisher connection pushing service status over a
websocket and any number of listeners receiving every change. Applications
that stop reporting are marked offline, and state changes can be mailed to a
list of recipients.

Example config:
  listen: ":3001"
  applications:
    - id: shop
      token: secret
      update_interval: 5s
      services:
        - id: web
        - id: db
      notify: [ops@example.com]`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sysm-server %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
