package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/config"
	"github.com/markus-barta/sysm/internal/hub"
	"github.com/markus-barta/sysm/internal/monitor"
	"github.com/markus-barta/sysm/internal/notify"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/markus-barta/sysm/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const startupTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	Long: `Start the sysm server.

The config file is taken from --config, then SYSM_SERVER_CONFIG_PATH, then
./config.yaml. The server runs until interrupted (Ctrl+C) or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("config", "c", "", "path to config file")
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
}

func runServe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(configFile)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := newLogger(cfg.Log)
	log.Info().
		Str("version", version).
		Str("config", path).
		Int("applications", len(cfg.Applications)).
		Msg("sysm server starting")
	log.Debug().Interface("config", cfg.Redacted()).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, clockwork.NewRealClock(), log)
}

// serve wires the components together and blocks until ctx is canceled.
func serve(ctx context.Context, cfg *config.Config, clk clockwork.Clock, log zerolog.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	st, err := store.Open(startCtx, cfg.StoreOptions(), log)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close state store")
		}
	}()

	apps := make([]*status.Application, 0, len(cfg.Applications))
	targets := make([]monitor.Target, 0, len(cfg.Applications))
	for _, ac := range cfg.Applications {
		app, err := status.New(startCtx, ac.StatusConfig(), st, clk, log)
		if err != nil {
			return fmt.Errorf("failed to create application %s: %w", ac.ID, err)
		}
		apps = append(apps, app)
		targets = append(targets, app)
	}
	defer func() {
		for _, app := range apps {
			app.Flush()
		}
	}()

	sender, err := newSender(cfg, log)
	if err != nil {
		return err
	}
	debouncer := notify.NewDebouncer(sender, cfg.Debounce.Duration(), clk, log)
	defer debouncer.Stop()
	for i, ac := range cfg.Applications {
		debouncer.Watch(apps[i], ac.Notify)
	}

	h := hub.NewHub(apps, hub.Options{
		AuthTimeout:       cfg.AuthTimeout.Duration(),
		Clock:             clk,
		MaxAuthFailures:   cfg.AuthMaxFailures,
		AuthFailureWindow: cfg.AuthFailureWindow.Duration(),
	}, log)
	srv := hub.NewServer(h, hub.ServerOptions{
		Listen:         cfg.Listen,
		AllowedOrigins: cfg.AllowedOrigins,
		TrustProxy:     cfg.TrustProxy,
	}, log)
	mon := monitor.New(targets, cfg.MonitorInterval.Duration(), clk, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })

	err = g.Wait()
	log.Info().Msg("shutdown complete")
	return err
}

// newSender mails notifications when SMTP is configured and logs them otherwise.
func newSender(cfg *config.Config, log zerolog.Logger) (notify.Sender, error) {
	smtp, ok := cfg.SMTPConfig()
	if !ok {
		return notify.NewLogSender(log), nil
	}
	sender, err := notify.NewSMTPSender(smtp)
	if err != nil {
		return nil, fmt.Errorf("invalid mail config: %w", err)
	}
	log.Info().Str("host", smtp.Host).Int("port", smtp.Port).Msg("mail notifications enabled")
	return sender, nil
}
