package translate

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownChain is returned for a chain or network name with no mapping.
	ErrUnknownChain = errors.New("unknown chain")

	// ErrNetworkMismatch is returned when lightningd and the backend disagree
	// about the network.
	ErrNetworkMismatch = errors.New("network mismatch")
)

// Error reports a backend value this bridge cannot interpret.
type Error struct {
	Field string
	Value string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("cannot translate %s %q: %v", e.Field, e.Value, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }
