package cdc

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCursor is returned when a continuation token cannot be decoded
	ErrInvalidCursor = errors.New("invalid continuation cursor")
	// ErrCursorModeMismatch is returned when a cursor issued for one mode is used with the other
	ErrCursorModeMismatch = errors.New("continuation cursor belongs to another feed mode")
	// ErrContainerNotFound is returned when a feed is opened before the container exists
	ErrContainerNotFound = errors.New("container not found")
	// ErrMalformedEvent marks events that match no known operation shape
	ErrMalformedEvent = errors.New("malformed change event")
)

// MalformedEventError reports an event that violated the change document contract
type MalformedEventError struct {
	Raw   []byte
	Cause error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMalformedEvent, e.Cause)
}

func (e *MalformedEventError) Unwrap() []error {
	return []error{ErrMalformedEvent, e.Cause}
}
