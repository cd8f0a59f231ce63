// Package prefs persists user preferences as a flat key -> string mapping
// in SQLite, surviving restarts of the bridge the way localStorage survives
// page reloads.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// Preference keys understood by the UI.
const (
	KeyLanguage            = "language"
	KeyZoomLevel           = "zoomLevel"
	KeyAcquisitionInverted = "acquisitionInverted"
	KeyVideoDeviceID       = "videoDeviceId"
	KeyResolution          = "resolution"
	KeyAudioDeviceID       = "audioDeviceId"
	KeySortBy              = "sortBy"
	KeyPromptSize          = "promptSize"
	KeyDevices             = "devices"
)

// TimeFormat is the fixed-width timestamp format for updated_at.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("preference not found")

// Store wraps a SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open opens the preference database with WAL mode and busy_timeout.
// The path should be an absolute path to the database file.
func Open(path string) (*Store, error) {
	escapedPath := url.PathEscape(path)
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", escapedPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Preferences are tiny and written one at a time
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS preferences (
		key            TEXT PRIMARY KEY,
		value          TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		schema_version INTEGER NOT NULL
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create preferences table: %w", err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("set: empty key")
	}

	const query = `
	INSERT INTO preferences (key, value, updated_at, schema_version)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(TimeFormat)
	if _, err := s.db.ExecContext(ctx, query, key, value, now, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// All returns every stored preference. Used to hydrate the UI on startup.
func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM preferences ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preferences: %w", err)
	}
	return out, nil
}

// journalMode returns the current journal mode (for testing).
func (s *Store) journalMode() (string, error) {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}
