package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO)
)

// SQLiteStore keeps one row per application.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens the database at path and creates the schema.
func OpenSQLite(path string, log zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{
		db:  db,
		log: log.With().Str("component", "store").Str("driver", DriverSQLite).Logger(),
	}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS app_state (
		app_id        TEXT PRIMARY KEY,
		updated       INTEGER NOT NULL DEFAULT 0,
		services_json TEXT NOT NULL DEFAULT '{}',
		saved_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

// Load reads the state row of an application.
func (s *SQLiteStore) Load(ctx context.Context, appID string) (State, error) {
	var (
		st       State
		services string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT updated, services_json FROM app_state WHERE app_id = ?`, appID,
	).Scan(&st.Updated, &services)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("query state: %w", err)
	}

	if err := json.Unmarshal([]byte(services), &st.Services); err != nil {
		return State{}, fmt.Errorf("decode services of %s: %w", appID, err)
	}
	return st, nil
}

// Save upserts the state row of an application.
func (s *SQLiteStore) Save(ctx context.Context, appID string, state State) error {
	services := state.Services
	if services == nil {
		services = map[string]ServiceRecord{}
	}
	data, err := json.Marshal(services)
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_state (app_id, updated, services_json, saved_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(app_id) DO UPDATE SET
			updated = excluded.updated,
			services_json = excluded.services_json,
			saved_at = datetime('now')
	`, appID, state.Updated, string(data))
	if err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
