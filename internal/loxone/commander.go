package loxone

import (
	"context"
	"errors"
)

var (
	// ErrNotReady is returned when a command is sent before login completed.
	ErrNotReady = errors.New("web interface not ready")

	// ErrControlNotFound is returned when no collected control matches an identifier.
	ErrControlNotFound = errors.New("control not found")
)

// Commander sends commands to controls of the web interface, the same way
// the UI does when a button is pressed.
type Commander interface {
	SendCommand(ctx context.Context, identifier string, args ...string) error
}
