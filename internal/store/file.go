package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// FileStore keeps one JSON document per application in a directory.
type FileStore struct {
	basePath string
	log      zerolog.Logger
	mu       sync.Mutex // serializes writes to the same directory
}

// NewFileStore creates a file store rooted at basePath, creating the directory if needed.
func NewFileStore(basePath string, log zerolog.Logger) (*FileStore, error) {
	if basePath == "" {
		basePath = "data"
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{
		basePath: basePath,
		log:      log.With().Str("component", "store").Str("driver", DriverFile).Logger(),
	}, nil
}

// Path returns the file backing the given application.
func (fs *FileStore) Path(appID string) string {
	// Distinct ids map to distinct names without path separators.
	name := url.PathEscape(appID)
	return filepath.Join(fs.basePath, name+".json")
}

// Load reads the state of an application. A missing file is created empty.
func (fs *FileStore) Load(_ context.Context, appID string) (State, error) {
	path := fs.Path(appID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := atomic.WriteFile(path, strings.NewReader("{}")); err != nil {
			return State{}, fmt.Errorf("failed to create state file: %w", err)
		}
		fs.log.Debug().Str("app", appID).Str("path", path).Msg("created empty state file")
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var st State
	if len(bytes.TrimSpace(data)) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return st, nil
}

// Save replaces the state file of an application atomically.
func (fs *FileStore) Save(_ context.Context, appID string, state State) error {
	data, err := json.MarshalIndent(state, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := atomic.WriteFile(fs.Path(appID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// Close is a no-op; files are not kept open.
func (fs *FileStore) Close() error {
	return nil
}
