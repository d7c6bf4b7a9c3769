// Package hub connects websocket clients to the monitored applications.
//
// Every connection authenticates against one application, either as its
// single publisher or as a listener. The Hub keeps the publisher slots and
// subscriber sets and fans out every state change of an application to its
// subscribers.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/protocol"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/rs/zerolog"
)

// Admission errors. Their messages are the reasons sent to clients.
var (
	ErrUnknownApp         = errors.New(protocol.ReasonUnknownApp)
	ErrInvalidCredentials = errors.New(protocol.ReasonInvalidCredentials)
	ErrAlreadyConnected   = errors.New(protocol.ReasonAlreadyConnected)
)

// DefaultAuthTimeout is how long a connection may stay unauthenticated.
const DefaultAuthTimeout = 5 * time.Second

// Options tunes the hub.
type Options struct {
	AuthTimeout time.Duration
	Clock       clockwork.Clock

	// Publisher token guesses per remote host before further attempts are
	// rejected unchecked until the window has passed.
	MaxAuthFailures   int
	AuthFailureWindow time.Duration
}

// Hub is the registry of applications, publishers and subscribers.
//
// Lock order: an application's lock is taken before the hub's. Change events
// arrive with the application locked, so the hub never calls into an
// application while holding its own lock.
type Hub struct {
	log         zerolog.Logger
	clock       clockwork.Clock
	authTimeout time.Duration
	limiter     *failureLimiter

	apps  map[string]*status.Application
	order []string

	pumps sync.WaitGroup // read pumps of live connections

	mu          sync.RWMutex
	clients     map[*Client]bool
	publishers  map[string]*Client
	subscribers map[string]map[*Client]bool
}

// NewHub creates a hub for the given applications and subscribes to their changes.
func NewHub(apps []*status.Application, opts Options, log zerolog.Logger) *Hub {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxAuthFailures <= 0 {
		opts.MaxAuthFailures = DefaultMaxAuthFailures
	}
	if opts.AuthFailureWindow <= 0 {
		opts.AuthFailureWindow = DefaultAuthFailureWindow
	}

	h := &Hub{
		log:         log.With().Str("component", "hub").Logger(),
		clock:       opts.Clock,
		authTimeout: opts.AuthTimeout,
		limiter:     newFailureLimiter(opts.Clock, opts.MaxAuthFailures, opts.AuthFailureWindow),
		apps:        make(map[string]*status.Application, len(apps)),
		clients:     make(map[*Client]bool),
		publishers:  make(map[string]*Client),
		subscribers: make(map[string]map[*Client]bool),
	}
	for _, app := range apps {
		id := app.ID()
		h.apps[id] = app
		h.order = append(h.order, id)
		app.OnChange(func(ev status.StateChanged) {
			h.Broadcast(id, ev.New)
		})
	}
	sort.Strings(h.order)
	return h
}

// Application returns the application with the given id, or nil.
func (h *Hub) Application(appID string) *status.Application {
	return h.apps[appID]
}

// Applications returns all applications ordered by id.
func (h *Hub) Applications() []*status.Application {
	out := make([]*status.Application, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.apps[id])
	}
	return out
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.log.Debug().Str("client", c.id).Msg("client registered")
}

// ClaimPublisher admits c as the publisher of appID. The slot is checked
// before the token. The token check runs without the hub lock and the slot
// is checked again when it is reserved, so two concurrent claims can never
// both succeed.
func (h *Hub) ClaimPublisher(appID, token string, c *Client) (*status.Application, error) {
	app, ok := h.apps[appID]
	if !ok {
		return nil, ErrUnknownApp
	}

	if h.slotTaken(appID, c) {
		return nil, ErrAlreadyConnected
	}
	if !app.CheckToken(token) {
		return nil, ErrInvalidCredentials
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.publishers[appID]; ok && existing != c {
		return nil, ErrAlreadyConnected
	}
	h.publishers[appID] = c
	return app, nil
}

func (h *Hub) slotTaken(appID string, c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	existing, ok := h.publishers[appID]
	return ok && existing != c
}

// Subscribe adds c to the subscribers of its application and queues the
// current state as its first change message. Publishers receive the
// snapshot with attributes, listeners the public one. Subscribing twice
// is harmless; every subscribe gets a fresh snapshot.
func (h *Hub) Subscribe(c *Client) {
	app, role := c.binding()
	if app == nil {
		return
	}
	sensitive := role == RolePublisher

	app.Inspect(sensitive, func(st status.State) {
		h.mu.Lock()
		subs, ok := h.subscribers[app.ID()]
		if !ok {
			subs = make(map[*Client]bool)
			h.subscribers[app.ID()] = subs
		}
		subs[c] = true
		h.mu.Unlock()

		data, err := encodeChange(st)
		if err != nil {
			h.log.Error().Err(err).Str("app", app.ID()).Msg("failed to encode state")
			return
		}
		c.enqueue(data)
	})

	h.log.Debug().Str("client", c.id).Str("app", app.ID()).Str("role", role.String()).Msg("client subscribed")
}

// Remove forgets c. When c held its application's publisher slot, the
// application is forced offline right away.
func (h *Hub) Remove(c *Client) {
	app, _ := c.binding()

	h.mu.Lock()
	delete(h.clients, c)
	wasPublisher := false
	if app != nil {
		if subs, ok := h.subscribers[app.ID()]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.subscribers, app.ID())
			}
		}
		if h.publishers[app.ID()] == c {
			delete(h.publishers, app.ID())
			wasPublisher = true
		}
	} else {
		// a claim may have succeeded without the role being bound yet
		for id, p := range h.publishers {
			if p == c {
				delete(h.publishers, id)
				wasPublisher = true
				app = h.apps[id]
			}
		}
	}
	h.mu.Unlock()

	h.log.Debug().Str("client", c.id).Bool("publisher", wasPublisher).Msg("client unregistered")

	if wasPublisher && app != nil {
		h.publisherGone(app)
	}
}

// publisherGone forces app offline unless a new publisher claimed the slot
// in the meantime. The slot is checked under the application's lock, so a
// status batch from the new publisher is never overwritten.
func (h *Hub) publisherGone(app *status.Application) {
	id := app.ID()
	changed := app.SetOfflineIf(func() bool { return !h.HasPublisher(id) })
	if changed {
		h.log.Info().Str("app", id).Msg("publisher disconnected, application forced offline")
	}
}

// Broadcast sends st as a change message to every subscriber of appID.
// Publishers get st as is, listeners its public view. Delivery never
// blocks: a subscriber with a full send buffer misses the message.
func (h *Hub) Broadcast(appID string, st status.State) {
	h.mu.RLock()
	subs := make([]*Client, 0, len(h.subscribers[appID]))
	for c := range h.subscribers[appID] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	var public, sensitive []byte
	for _, c := range subs {
		_, role := c.binding()
		var err error
		if role == RolePublisher {
			if sensitive == nil {
				sensitive, err = encodeChange(st)
			}
		} else if public == nil {
			public, err = encodeChange(st.Public())
		}
		if err != nil {
			h.log.Error().Err(err).Str("app", appID).Msg("failed to encode state")
			return
		}

		data := public
		if role == RolePublisher {
			data = sensitive
		}
		if !c.enqueue(data) {
			h.log.Warn().Str("client", c.id).Str("app", appID).Msg("client send buffer full, dropping change")
		}
	}
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Clients     int            `json:"clients"`
	Publishers  int            `json:"publishers"`
	Subscribers map[string]int `json:"subscribers"`
}

// Stats returns connection counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{
		Clients:     len(h.clients),
		Publishers:  len(h.publishers),
		Subscribers: make(map[string]int, len(h.subscribers)),
	}
	for id, subs := range h.subscribers {
		s.Subscribers[id] = len(subs)
	}
	return s
}

// HasPublisher reports whether appID has a live publisher.
func (h *Hub) HasPublisher(appID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.publishers[appID]
	return ok
}

// CloseAll closes every connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// Wait blocks until every read pump has unregistered its connection or ctx
// is done.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encodeChange(st status.State) ([]byte, error) {
	msg, err := protocol.NewMessage(protocol.TypeChange, st)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
