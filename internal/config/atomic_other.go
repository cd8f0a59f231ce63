//go:build !windows

package config

import "os"

// replaceFile renames src over dst. POSIX rename replaces atomically.
func replaceFile(src, dst string) error {
	return os.Rename(src, dst)
}
