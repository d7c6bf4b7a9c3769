// Package store persists the last known state of each application.
//
// Only the latest state is kept, one record per application, overwritten
// wholesale on every save. There is no history.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ServiceRecord is the persisted form of one service.
type ServiceRecord struct {
	ID         string         `json:"id"`
	Online     bool           `json:"online"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes"`
}

// State is the persisted form of one application.
type State struct {
	Updated  int64                    `json:"updated"` // epoch milliseconds
	Services map[string]ServiceRecord `json:"services"`
}

// UpdatedAt returns Updated as a time. The zero state maps to the Unix epoch.
func (s State) UpdatedAt() time.Time {
	return time.UnixMilli(s.Updated)
}

// Store loads and saves application state.
//
// Load of an application that was never saved returns an empty State and no error.
type Store interface {
	Load(ctx context.Context, appID string) (State, error)
	Save(ctx context.Context, appID string, state State) error
	Close() error
}

// Drivers
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Driver string
	Dir    string // data directory, used by file and as default sqlite location
	Path   string // sqlite database path, defaults to <Dir>/sysm.db
	Redis  RedisOptions
}

// Open creates the backend named by opts.Driver.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (Store, error) {
	switch opts.Driver {
	case "", DriverFile:
		return NewFileStore(opts.Dir, log)
	case DriverSQLite:
		path := opts.Path
		if path == "" {
			path = filepath.Join(opts.Dir, "sysm.db")
		}
		return OpenSQLite(path, log)
	case DriverRedis:
		return OpenRedis(ctx, opts.Redis, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
