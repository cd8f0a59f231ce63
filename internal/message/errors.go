package message

import "errors"

var (
	// ErrUnknownCommand is returned when a command name is not recognised.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrBadPayload is returned when a command payload cannot be decoded.
	ErrBadPayload = errors.New("bad command payload")
)
