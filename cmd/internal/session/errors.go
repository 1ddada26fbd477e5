package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidNumber is returned for numbers that are not in international format.
	ErrInvalidNumber = errors.New("invalid number")

	// ErrNotFound is returned when no live session exists for an identity.
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyConnected is returned by Registry.Create when the identity is connected.
	ErrAlreadyConnected = errors.New("session already connected")

	// ErrAttachInProgress is returned by Registry.Create when the identity is still attaching.
	ErrAttachInProgress = errors.New("session attach in progress")

	// ErrConstruct wraps failures to build a protocol client (bad credentials, driver errors).
	ErrConstruct = errors.New("session construction failed")

	// ErrStorage wraps credential store failures.
	ErrStorage = errors.New("credential storage unavailable")

	// ErrClosed is returned after the controller has been shut down.
	ErrClosed = errors.New("controller closed")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// - Kind is one of the sentinel errors above.
// - Err is the underlying cause, if any.
type OpError struct {
	Op   string
	ID   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Op + ": "
	if e.ID != "" {
		msg += e.ID + ": "
	}
	if e.Err != nil {
		return fmt.Sprintf("%s%v: %v", msg, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s%v", msg, e.Kind)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
