// Package appinfo holds the names the bridge uses for itself on disk and
// on the wire.
package appinfo

const (
	// AppName is the display name of the application.
	AppName = "Capsule Bridge"

	// DirName is the data directory under %LOCALAPPDATA% or the user config dir.
	DirName = "capsule-bridge"

	// LockName names the single instance lock: a session-scoped mutex on
	// Windows, a lock file in the data dir elsewhere.
	LockName = "capsule-bridge"

	// ConfigFileName is the configuration file name.
	ConfigFileName = "config.json"

	// SecretsFileName is the secrets file name.
	SecretsFileName = "secrets.json"

	// PreferencesFileName is the SQLite preference database file name.
	PreferencesFileName = "preferences.sqlite"

	// ExportDirName is the default directory (under the data dir) for exported archives.
	ExportDirName = "exports"
)
