// Package status owns the canonical state of each monitored application.
//
// An Application holds a fixed set of services declared in configuration.
// Producers update services in batches; every batch that changes the state
// is persisted asynchronously and announced to registered listeners. The
// application's online flag is never set directly, it is always the logical
// AND over its services.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/store"
	"github.com/rs/zerolog"
)

// DefaultStaleTimeout applies when an application configures no update interval.
const DefaultStaleTimeout = 5 * time.Second

// ServiceConfig declares one service of an application.
type ServiceConfig struct {
	ID   string
	Name string
}

// Config declares one application.
type Config struct {
	ID           string
	Name         string
	Token        string // plain secret or bcrypt hash, empty disables publishing
	StaleTimeout time.Duration
	Services     []ServiceConfig
}

type service struct {
	id         string
	name       string
	online     bool
	status     string
	attributes map[string]any
}

// Application is the state holder of one configured application.
// All mutators are serialized by the application's lock.
type Application struct {
	id           string
	name         string
	token        string
	staleTimeout time.Duration

	clock  clockwork.Clock
	log    zerolog.Logger
	writer *writer

	mu        sync.Mutex
	services  []service
	index     map[string]int
	online    bool
	updated   time.Time
	listeners []Listener
}

// New builds an application from its configuration and seeds it with the
// persisted state. A record that cannot be read is logged and ignored.
func New(ctx context.Context, cfg Config, st store.Store, clk clockwork.Clock, log zerolog.Logger) (*Application, error) {
	if cfg.ID == "" {
		return nil, errors.New("application id is required")
	}
	if st == nil {
		return nil, errors.New("state store is required")
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	a := &Application{
		id:           cfg.ID,
		name:         cfg.Name,
		token:        cfg.Token,
		staleTimeout: cfg.StaleTimeout,
		clock:        clk,
		log:          log.With().Str("component", "application").Str("app", cfg.ID).Logger(),
		index:        make(map[string]int, len(cfg.Services)),
	}

	for _, sc := range cfg.Services {
		if sc.ID == "" {
			return nil, fmt.Errorf("application %s: service id is required", cfg.ID)
		}
		if _, dup := a.index[sc.ID]; dup {
			return nil, fmt.Errorf("application %s: duplicate service id %q", cfg.ID, sc.ID)
		}
		name := sc.Name
		if name == "" {
			name = sc.ID
		}
		a.index[sc.ID] = len(a.services)
		a.services = append(a.services, service{
			id:         sc.ID,
			name:       name,
			status:     DefaultStatus,
			attributes: normalizeAttributes(nil),
		})
	}

	persisted, err := st.Load(ctx, cfg.ID)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to load persisted state, starting blank")
		persisted = store.State{}
	}
	a.restore(persisted)

	a.writer = newWriter(cfg.ID, st, a.log)

	// Write the merged state right away so the record always exists.
	if err := st.Save(ctx, cfg.ID, a.persistedLocked()); err != nil {
		a.log.Error().Err(err).Msg("failed to store application state")
	}

	a.log.Debug().
		Bool("online", a.online).
		Time("updated", a.updated).
		Int("services", len(a.services)).
		Msg("application loaded")

	return a, nil
}

func (a *Application) restore(persisted store.State) {
	for i := range a.services {
		rec, ok := persisted.Services[a.services[i].id]
		if !ok {
			continue
		}
		a.services[i].online = rec.Online
		if rec.Status != "" {
			a.services[i].status = rec.Status
		}
		a.services[i].attributes = normalizeAttributes(rec.Attributes)
	}

	if persisted.Updated > 0 {
		a.updated = persisted.UpdatedAt()
	}
	fresh := !a.updated.IsZero() && a.updated.Add(a.staleTimeout).After(a.clock.Now())
	a.online = fresh && a.allOnlineLocked()
}

// ID returns the application id.
func (a *Application) ID() string { return a.id }

// Name returns the display name.
func (a *Application) Name() string { return a.name }

// StaleTimeout returns how long the application may stay silent before it is forced offline.
func (a *Application) StaleTimeout() time.Duration { return a.staleTimeout }

// LastUpdated returns the time of the last accepted status batch.
func (a *Application) LastUpdated() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.updated
}

// OnChange registers a listener for state changes.
func (a *Application) OnChange(l Listener) {
	if l == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

// State returns a snapshot. Attributes are only included when includeSensitive is set.
func (a *Application) State(includeSensitive bool) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(includeSensitive)
}

// Inspect calls fn with a snapshot while the application is locked, so no
// change event can be emitted between the snapshot and the end of fn.
// fn must not call back into the application.
func (a *Application) Inspect(includeSensitive bool, fn func(State)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.snapshotLocked(includeSensitive))
}

// SetState applies a batch of service updates. Unknown service ids are
// skipped; the rest of the batch still applies. It reports whether the state
// changed, in which case the new state was queued for persistence and
// listeners were notified before returning.
func (a *Application) SetState(updates []ServiceUpdate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applyLocked(updates)
}

// SetOffline flips every online service to offline. Already offline services
// are left alone; a fully offline application is not touched at all.
func (a *Application) SetOffline() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setOfflineLocked()
}

// SetOfflineIf is SetOffline guarded by cond. cond is evaluated under the
// application's lock and must not call back into the application.
func (a *Application) SetOfflineIf(cond func() bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !cond() {
		return false
	}
	return a.setOfflineLocked()
}

// ExpireIfStale forces the application offline when at least one service is
// online and no batch arrived within the stale timeout. The check and the
// transition happen under one lock.
func (a *Application) ExpireIfStale() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.anyOnlineLocked() {
		return false
	}
	silence := a.clock.Since(a.updated)
	if silence <= a.staleTimeout {
		return false
	}
	a.log.Info().Dur("silence", silence).Dur("timeout", a.staleTimeout).Msg("no update within timeout, forcing offline")
	return a.setOfflineLocked()
}

// CheckToken reports whether candidate matches the application's token.
// It is false whenever either side is empty.
func (a *Application) CheckToken(candidate string) bool {
	return tokenMatches(a.token, candidate)
}

// Flush blocks until queued persistence writes are done.
func (a *Application) Flush() {
	a.writer.flush()
}

func (a *Application) setOfflineLocked() bool {
	var updates []ServiceUpdate
	for _, s := range a.services {
		if !s.online {
			continue
		}
		updates = append(updates, ServiceUpdate{
			ID:         s.id,
			Online:     false,
			Status:     OfflineStatus,
			Attributes: map[string]any{},
		})
	}
	if len(updates) == 0 {
		return false
	}
	return a.applyLocked(updates)
}

func (a *Application) applyLocked(updates []ServiceUpdate) bool {
	before := a.snapshotLocked(true)

	for _, u := range updates {
		i, ok := a.index[u.ID]
		if !ok {
			a.log.Warn().Str("service", u.ID).Msg("trying to set status on service that has not been registered")
			continue
		}
		s := &a.services[i]
		s.online = u.Online
		s.status = u.Status
		s.attributes = normalizeAttributes(u.Attributes)
	}

	a.online = a.allOnlineLocked()
	a.updated = a.clock.Now()

	after := a.snapshotLocked(true)
	if before.Equal(after) {
		return false
	}

	a.writer.submit(a.persistedLocked())

	ev := StateChanged{Old: before, New: after}
	for _, l := range a.listeners {
		l(ev)
	}

	a.log.Debug().Bool("online", after.Online).Msg("application state changed")
	return true
}

func (a *Application) snapshotLocked(includeSensitive bool) State {
	st := State{
		ID:       a.id,
		Name:     a.name,
		Online:   a.online,
		Services: make([]ServiceState, len(a.services)),
	}
	for i, s := range a.services {
		svc := ServiceState{
			ID:     s.id,
			Name:   s.name,
			Online: s.online,
			Status: s.status,
		}
		if includeSensitive {
			svc.Attributes = cloneAttributes(s.attributes)
		}
		st.Services[i] = svc
	}
	return st
}

func (a *Application) persistedLocked() store.State {
	st := store.State{Services: make(map[string]store.ServiceRecord, len(a.services))}
	if !a.updated.IsZero() {
		st.Updated = a.updated.UnixMilli()
	}
	for _, s := range a.services {
		st.Services[s.id] = store.ServiceRecord{
			ID:         s.id,
			Online:     s.online,
			Status:     s.status,
			Attributes: cloneAttributes(s.attributes),
		}
	}
	return st
}

func (a *Application) allOnlineLocked() bool {
	for _, s := range a.services {
		if !s.online {
			return false
		}
	}
	return true
}

func (a *Application) anyOnlineLocked() bool {
	for _, s := range a.services {
		if s.online {
			return true
		}
	}
	return false
}
