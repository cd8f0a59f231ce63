package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CurrentSchemaVersion is the schema version of config.json and secrets.json.
const CurrentSchemaVersion = 1

// ErrSchemaMismatch reports a file written by another schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// LoadStatus reports how a file was loaded, and so whether it is safe to
// overwrite.
type LoadStatus int

const (
	// StatusLoaded means the file was read and decoded.
	StatusLoaded LoadStatus = iota
	// StatusMissing means there is no file yet; creating one is safe.
	StatusMissing
	// StatusFallback means the file exists but is unusable. It must not be
	// overwritten, or the user loses what is in it.
	StatusFallback
)

func (s LoadStatus) String() string {
	switch s {
	case StatusLoaded:
		return "loaded"
	case StatusMissing:
		return "missing"
	default:
		return "fallback"
	}
}

type versioned interface {
	schemaVersion() int
}

// readVersioned decodes the JSON file at path over def. On any failure def
// is returned unchanged.
func readVersioned[T versioned](path string, def T) (T, LoadStatus, error) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return def, StatusMissing, nil
	}
	if err != nil {
		return def, StatusFallback, fmt.Errorf("read %s: %w", name, err)
	}

	v := def
	if err := json.Unmarshal(data, &v); err != nil {
		return def, StatusFallback, fmt.Errorf("decode %s: %w", name, err)
	}
	if got := v.schemaVersion(); got != CurrentSchemaVersion {
		return def, StatusFallback, fmt.Errorf("%s: %w: got %d, want %d", name, ErrSchemaMismatch, got, CurrentSchemaVersion)
	}
	return v, StatusLoaded, nil
}

// writeJSONAtomic encodes v as indented JSON and writes it atomically.
func writeJSONAtomic(path string, v any, perm os.FileMode) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return WriteFileAtomic(path, buf.Bytes(), perm)
}
