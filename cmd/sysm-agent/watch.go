package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/markus-barta/sysm/internal/publisher"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every state change of an application",
	Long: `Connect as listener, subscribe to the application and print its state
as one JSON document per line, starting with the current state. No token is
needed to listen.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("summary", false, "print one line per change instead of JSON")
}

func runWatch(cmd *cobra.Command, args []string) error {
	log := newLogger(cmd)

	url, _ := cmd.Flags().GetString("url")
	appID, _ := cmd.Flags().GetString("app")
	summary, _ := cmd.Flags().GetBool("summary")
	if appID == "" {
		return errors.New("--app or SYSM_APP_ID is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	return publisher.Watch(ctx, url, appID, nil, log, func(st status.State) {
		if err := printState(out, st, summary); err != nil {
			log.Error().Err(err).Msg("failed to print state")
		}
	})
}

func printState(w io.Writer, st status.State, summary bool) error {
	if !summary {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	state := "offline"
	if st.Online {
		state = "online"
	}
	line := fmt.Sprintf("%s %s", st.ID, state)
	for _, svc := range st.Services {
		mark := "-"
		if svc.Online {
			mark = "+"
		}
		line += fmt.Sprintf(" %s%s(%s)", mark, svc.ID, svc.Status)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
