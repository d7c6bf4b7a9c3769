// Package main is the sysm agent: a producer pushing service status to a
// sysm server, or a listener printing an application's state changes.
//
// Usage:
//
//	sysm-agent push --app shop --token secret services.yaml
//	sysm-agent watch --app shop
//	sysm-agent version
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "sysm-agent",
	Short: "Push service status to a sysm server or follow an application",
	Long: `sysm-agent talks to a sysm server over its websocket endpoint.

Environment variables:
  SYSM_URL        Server websocket URL (default: ws://localhost:3001/ws)
  SYSM_APP_ID     Application id
  SYSM_TOKEN      Publisher token (push only)
  SYSM_LOG_LEVEL  Log level: debug, info, warn, error`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sysm-agent %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().String("url", getEnv("SYSM_URL", "ws://localhost:3001/ws"), "server websocket URL")
	rootCmd.PersistentFlags().String("app", os.Getenv("SYSM_APP_ID"), "application id")
	rootCmd.PersistentFlags().String("log-level", getEnv("SYSM_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	rootCmd.AddCommand(versionCmd)
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
