package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/rs/zerolog"
)

const (
	// DefaultDelay is the quiet period after the last change before a notification goes out.
	DefaultDelay = 5 * time.Second

	sendTimeout = 30 * time.Second
)

// Source is an application whose changes can be watched.
type Source interface {
	ID() string
	OnChange(l status.Listener)
}

// burst tracks the changes of one application since its quiet period began.
type burst struct {
	old        status.State
	latest     status.State
	recipients []string
	gen        uint64
	timer      clockwork.Timer
}

// Debouncer collapses each application's change bursts into one notification.
type Debouncer struct {
	sender Sender
	delay  time.Duration
	clock  clockwork.Clock
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[string]*burst
	gen     uint64
}

// NewDebouncer creates a debouncer that sends through sender.
func NewDebouncer(sender Sender, delay time.Duration, clk clockwork.Clock, log zerolog.Logger) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Debouncer{
		sender:  sender,
		delay:   delay,
		clock:   clk,
		log:     log.With().Str("component", "notify").Logger(),
		pending: make(map[string]*burst),
	}
}

// Watch subscribes to an application's changes. Applications without
// recipients are not watched at all.
func (d *Debouncer) Watch(src Source, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	id := src.ID()
	rcpt := append([]string(nil), recipients...)
	src.OnChange(func(ev status.StateChanged) {
		d.observe(id, rcpt, ev)
	})
}

func (d *Debouncer) observe(appID string, recipients []string, ev status.StateChanged) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.pending[appID]
	if !ok {
		b = &burst{old: ev.Old, recipients: recipients}
		d.pending[appID] = b
	}
	b.latest = ev.New

	if b.timer != nil {
		b.timer.Stop()
	}
	d.gen++
	b.gen = d.gen
	gen := b.gen
	b.timer = d.clock.AfterFunc(d.delay, func() {
		d.fire(appID, gen)
	})
}

// fire ends a burst. A timer superseded by a later change finds a newer
// generation and does nothing.
func (d *Debouncer) fire(appID string, gen uint64) {
	d.mu.Lock()
	b, ok := d.pending[appID]
	if !ok || b.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, appID)
	d.mu.Unlock()

	if b.old.Equal(b.latest) {
		d.log.Debug().Str("app", appID).Msg("burst ended in the original state, nothing to notify")
		return
	}

	n := buildNotification(appID, b.old, b.latest, b.recipients)

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := d.sender.Send(ctx, n); err != nil {
		d.log.Error().Err(err).Str("app", appID).Strs("recipients", b.recipients).Msg("failed to send notification")
		return
	}
	d.log.Info().Str("app", appID).Str("subject", n.Subject).Msg("notification sent")
}

// Pending reports whether a burst is waiting for its quiet period to end.
func (d *Debouncer) Pending(appID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[appID]
	return ok
}

// Stop cancels all pending timers without sending.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, b := range d.pending {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(d.pending, id)
	}
}

func buildNotification(appID string, old, latest status.State, recipients []string) Notification {
	state := "offline"
	if latest.Online {
		state = "online"
	}
	return Notification{
		Subject:    fmt.Sprintf("%s is %s", appID, state),
		Content:    fmt.Sprintf("Application %s (%s) is %s.\n\nPrevious state:\n%s\n\nNew state:\n%s\n", latest.Name, appID, state, indent(old), indent(latest)),
		Recipients: recipients,
	}
}

func indent(s status.State) string {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", s)
	}
	return string(data)
}
