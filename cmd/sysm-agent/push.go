package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/sysm/internal/publisher"
	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push <services-file>",
	Short: "Publish service status from a file",
	Long: `Authenticate as the application's publisher and push the services file
on connect and then every interval. The file is re-read on every push, so
editing it changes the published status. The interval has to stay below the
application's update_interval on the server, otherwise the application is
marked offline between pushes.

Services file (YAML or JSON):
  services:
    - id: web
      online: true
      status: OK
      attributes:
        version: "1.4.2"
    - id: db
      online: true`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
	pushCmd.Flags().String("token", os.Getenv("SYSM_TOKEN"), "publisher token")
	pushCmd.Flags().Duration("interval", publisher.DefaultInterval, "push interval")
}

func runPush(cmd *cobra.Command, args []string) error {
	log := newLogger(cmd)

	url, _ := cmd.Flags().GetString("url")
	appID, _ := cmd.Flags().GetString("app")
	token, _ := cmd.Flags().GetString("token")
	interval, _ := cmd.Flags().GetDuration("interval")

	if appID == "" {
		return errors.New("--app or SYSM_APP_ID is required")
	}
	if token == "" {
		return errors.New("--token or SYSM_TOKEN is required to publish")
	}

	// fail fast on a broken file instead of retrying forever
	if _, err := publisher.LoadServices(args[0]); err != nil {
		return fmt.Errorf("invalid services file: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := publisher.NewAgent(publisher.AgentConfig{
		URL:      url,
		AppID:    appID,
		Token:    token,
		Interval: interval,
	}, publisher.FileSource(args[0]), log)

	return agent.Run(ctx)
}
