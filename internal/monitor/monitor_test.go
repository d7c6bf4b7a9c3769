package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/markus-barta/sysm/internal/store"
	"github.com/rs/zerolog"
)

type countingTarget struct {
	id     string
	checks atomic.Int32
	panics bool
}

func (c *countingTarget) ID() string { return c.id }

func (c *countingTarget) ExpireIfStale() bool {
	c.checks.Add(1)
	if c.panics {
		panic("boom")
	}
	return false
}

type nopStore struct{}

func (nopStore) Load(context.Context, string) (store.State, error) { return store.State{}, nil }
func (nopStore) Save(context.Context, string, store.State) error   { return nil }
func (nopStore) Close() error                                      { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestStaleMonitor_TicksEveryTarget(t *testing.T) {
	clk := clockwork.NewFakeClock()
	a := &countingTarget{id: "a"}
	b := &countingTarget{id: "b", panics: true}
	m := New([]Target{a, b}, time.Second, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.Run(ctx)
	}()

	// keep advancing until both loops have ticked; tickers may register late
	waitFor(t, func() bool {
		clk.Advance(time.Second)
		return a.checks.Load() >= 1 && b.checks.Load() >= 1
	})

	cancel()
	wg.Wait()
}

func TestStaleMonitor_ForcesSilentApplicationOffline(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	app, err := status.New(context.Background(), status.Config{
		ID:           "A",
		StaleTimeout: 2 * time.Second,
		Services:     []status.ServiceConfig{{ID: "web"}, {ID: "db"}},
	}, nopStore{}, clk, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	app.SetState([]status.ServiceUpdate{
		{ID: "web", Online: true, Status: "OK"},
		{ID: "db", Online: true, Status: "OK"},
	})

	m := New([]Target{app}, time.Second, clk, zerolog.Nop())

	clk.Advance(time.Second)
	m.CheckAll()
	if !app.State(false).Online {
		t.Fatal("application expired before its timeout")
	}

	clk.Advance(1100 * time.Millisecond)
	m.CheckAll()
	if app.State(false).Online {
		t.Fatal("application should be offline one tick after the timeout")
	}

	changes := 0
	app.OnChange(func(status.StateChanged) { changes++ })
	clk.Advance(time.Hour)
	m.CheckAll()
	if changes != 0 {
		t.Error("monitor touched a fully offline application")
	}
}
