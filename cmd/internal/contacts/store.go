// Package contacts records which peers have already been greeted.
//
// The record is append-only: an identifier is added at most once and never removed.
// HasSeen followed by MarkSeen is not atomic across callers; two bot identities
// receiving a first message from the same peer at the same instant may both greet it.
package contacts

import (
	"context"
	"errors"
)

// Store is the contact dedup set.
type Store interface {
	HasSeen(ctx context.Context, peer string) (bool, error)
	MarkSeen(ctx context.Context, peer string) error
	Close() error
}

// ErrEmptyPeer is returned when a blank peer identifier is given.
var ErrEmptyPeer = errors.New("contacts: empty peer")
