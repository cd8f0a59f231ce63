//go:build windows

package singleinstance

import (
	"errors"

	"golang.org/x/sys/windows"
)

// Acquire creates the session-scoped named mutex Local\<name>. dir is
// unused on Windows.
func Acquire(name, dir string) (*Lock, error) {
	ptr, err := windows.UTF16PtrFromString(`Local\` + name)
	if err != nil {
		return nil, err
	}

	h, err := windows.CreateMutex(nil, false, ptr)
	if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, err
	}

	return &Lock{release: func() error {
		return windows.CloseHandle(h)
	}}, nil
}
