package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// EnvSessionCookie overrides Secrets.SessionCookie, for headless setups
// that inject the cookie instead of storing it.
const EnvSessionCookie = "CAPSULE_BRIDGE_SESSION_COOKIE"

const (
	tokenKeyBytes    = 32
	defaultUsername  = "admin"
	passwordFileName = "generated_password.txt"
)

// Secret is a string that masks itself when printed or logged.
// Use Value to get the actual string.
type Secret string

func (s Secret) String() string { return "[REDACTED]" }

func (s Secret) GoString() string { return "[REDACTED]" }

// LogValue keeps slog from printing the value.
func (s Secret) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// Value returns the actual secret.
func (s Secret) Value() string { return string(s) }

// IsEmpty reports whether the secret is unset.
func (s Secret) IsEmpty() bool { return s == "" }

// Secrets holds the values kept out of config.json.
// json.Marshal exposes them; never log the struct encoded.
type Secrets struct {
	SchemaVersion int `json:"schema_version"`

	// SessionCookie authenticates the bridge against the capsule server,
	// both as an HTTP cookie and as the first websocket frame.
	SessionCookie Secret `json:"session_cookie"`

	BasicAuthUsername string `json:"basic_auth_username"`
	BasicAuthPassword Secret `json:"basic_auth_password"`

	// TokenKey is the hex HS256 key for stream and blob URL tokens.
	TokenKey Secret `json:"token_key"`
}

func (s Secrets) schemaVersion() int { return s.SchemaVersion }

// DefaultSecrets returns empty secrets at the current schema version.
func DefaultSecrets() Secrets {
	return Secrets{SchemaVersion: CurrentSchemaVersion}
}

// TokenKeyBytes decodes TokenKey.
func (s Secrets) TokenKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(s.TokenKey.Value())
	if err != nil {
		return nil, fmt.Errorf("token key: %w", err)
	}
	return key, nil
}

// LoadSecrets reads secrets.json from the data dir.
func LoadSecrets() (Secrets, LoadStatus, error) {
	path, err := SecretsPath()
	if err != nil {
		return DefaultSecrets(), StatusFallback, err
	}
	return LoadSecretsFrom(path)
}

// LoadSecretsFrom reads secrets from path. With StatusFallback the caller
// gets defaults and must not save over the file.
func LoadSecretsFrom(path string) (Secrets, LoadStatus, error) {
	sec, status, err := readVersioned(path, DefaultSecrets())
	if err != nil {
		slog.Warn("secrets file unusable, using defaults", "path", path, "error", err)
	}
	return sec, status, err
}

// SaveSecrets writes secrets.json atomically.
func SaveSecrets(sec Secrets) error {
	path, err := SecretsPath()
	if err != nil {
		return err
	}
	return SaveSecretsTo(sec, path)
}

// SaveSecretsTo writes secrets to path atomically, readable by the owner only.
func SaveSecretsTo(sec Secrets, path string) error {
	sec.SchemaVersion = CurrentSchemaVersion
	return writeJSONAtomic(path, sec, 0600)
}

// ApplySecretEnvOverrides applies EnvSessionCookie.
func ApplySecretEnvOverrides(sec Secrets) Secrets {
	if v := strings.TrimSpace(os.Getenv(EnvSessionCookie)); v != "" {
		sec.SessionCookie = Secret(v)
	}
	return sec
}

// GeneratePassword returns a random password with 128 bits of entropy.
func GeneratePassword() string {
	return rand.Text()
}

func generateTokenKey() (string, error) {
	key := make([]byte, tokenKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate token key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// EnsureLanAuth fills in Basic Auth credentials and a token key when LAN
// mode is on. generatedPassword is set only when a new password was made,
// for one-time display.
func EnsureLanAuth(s *Secrets, lanEnabled bool) (updated bool, generatedPassword string, err error) {
	if !lanEnabled {
		return false, "", nil
	}

	if s.BasicAuthUsername == "" {
		s.BasicAuthUsername = defaultUsername
		updated = true
	}
	if s.BasicAuthPassword.IsEmpty() {
		generatedPassword = GeneratePassword()
		s.BasicAuthPassword = Secret(generatedPassword)
		updated = true
	}
	if _, err := s.TokenKeyBytes(); err != nil || s.TokenKey.IsEmpty() {
		key, err := generateTokenKey()
		if err != nil {
			return false, "", err
		}
		s.TokenKey = Secret(key)
		updated = true
	}

	return updated, generatedPassword, nil
}

// WritePasswordFile writes generated credentials next to secrets.json and
// returns the file path.
func WritePasswordFile(username, password string) (string, error) {
	dataDir, err := EnsureDataDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dataDir, passwordFileName)
	content := fmt.Sprintf("Username: %s\nPassword: %s\n\nDelete this file once the credentials are saved elsewhere.\n", username, password)
	if err := WriteFileAtomic(path, []byte(content), 0600); err != nil {
		return "", fmt.Errorf("write password file: %w", err)
	}
	return path, nil
}
