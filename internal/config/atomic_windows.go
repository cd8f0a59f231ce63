//go:build windows

package config

import "golang.org/x/sys/windows"

// replaceFile moves src over dst. os.Rename fails on Windows when dst
// exists, so MoveFileEx with MOVEFILE_REPLACE_EXISTING is used.
func replaceFile(src, dst string) error {
	from, err := windows.UTF16PtrFromString(src)
	if err != nil {
		return err
	}
	to, err := windows.UTF16PtrFromString(dst)
	if err != nil {
		return err
	}
	return windows.MoveFileEx(from, to, windows.MOVEFILE_REPLACE_EXISTING|windows.MOVEFILE_WRITE_THROUGH)
}
