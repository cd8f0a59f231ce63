// Package version provides build version information.
package version

import "github.com/graaaaa/capsule-bridge/internal/appinfo"

// Version is overridden at build time via ldflags.
// Example: go build -ldflags "-X github.com/graaaaa/capsule-bridge/internal/version.Version=0.1.0"
var Version = "dev"

// String returns the current version string.
func String() string {
	return Version
}

// UserAgent returns the User-Agent sent to the capsule server.
func UserAgent() string {
	return appinfo.DirName + "/" + Version
}
