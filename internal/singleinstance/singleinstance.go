// Package singleinstance keeps a second bridge from starting in the same
// user session, where it would fight over the camera and the loopback port.
package singleinstance

import "errors"

// ErrAlreadyRunning reports that another instance holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Lock is a held instance lock.
type Lock struct {
	release func() error
}

// Release gives the lock up. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release()
}
