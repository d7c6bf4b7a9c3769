// Package monitor forces silent applications offline.
package monitor

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultInterval is how often each application is checked.
const DefaultInterval = 2 * time.Second

// Target is what the monitor needs from an application.
type Target interface {
	ID() string
	ExpireIfStale() bool
}

var _ Target = (*status.Application)(nil)

// StaleMonitor runs one check loop per application.
type StaleMonitor struct {
	clock    clockwork.Clock
	interval time.Duration
	log      zerolog.Logger
	targets  []Target
}

// New creates a monitor for the given applications.
func New(targets []Target, interval time.Duration, clk clockwork.Clock, log zerolog.Logger) *StaleMonitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &StaleMonitor{
		clock:    clk,
		interval: interval,
		log:      log.With().Str("component", "monitor").Logger(),
		targets:  targets,
	}
}

// Run checks every application once per interval until ctx is cancelled.
func (m *StaleMonitor) Run(ctx context.Context) error {
	m.log.Info().Dur("interval", m.interval).Int("applications", len(m.targets)).Msg("starting stale monitor")

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range m.targets {
		t := t
		g.Go(func() error {
			m.watch(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (m *StaleMonitor) watch(ctx context.Context, t Target) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.check(t)
		}
	}
}

func (m *StaleMonitor) check(t Target) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str("app", t.ID()).Interface("panic", r).Msg("stale check failed")
		}
	}()
	if t.ExpireIfStale() {
		m.log.Info().Str("app", t.ID()).Msg("application marked offline after missing updates")
	}
}

// CheckAll runs one check over every application.
func (m *StaleMonitor) CheckAll() {
	for _, t := range m.targets {
		m.check(t)
	}
}
