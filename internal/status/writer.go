package status

import (
	"context"
	"sync"
	"time"

	"github.com/markus-barta/sysm/internal/store"
	"github.com/rs/zerolog"
)

const saveTimeout = 10 * time.Second

// writer persists snapshots of one application in the background.
// At most one save runs at a time and only the newest pending snapshot is
// kept, so an older snapshot can never overwrite a newer one.
type writer struct {
	appID string
	store store.Store
	log   zerolog.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	pending  *store.State
	inflight bool
}

func newWriter(appID string, st store.Store, log zerolog.Logger) *writer {
	w := &writer{appID: appID, store: st, log: log}
	w.idle = sync.NewCond(&w.mu)
	return w
}

func (w *writer) submit(st store.State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = &st
	if !w.inflight {
		w.inflight = true
		go w.drain()
	}
}

func (w *writer) drain() {
	for {
		w.mu.Lock()
		st := w.pending
		w.pending = nil
		if st == nil {
			w.inflight = false
			w.idle.Broadcast()
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := w.store.Save(ctx, w.appID, *st); err != nil {
			w.log.Error().Err(err).Msg("failed to store application state")
		}
		cancel()
	}
}

func (w *writer) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.inflight {
		w.idle.Wait()
	}
}
