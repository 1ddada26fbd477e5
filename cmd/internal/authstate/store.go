// Package authstate persists per-identity protocol credentials.
//
// Layout: one directory per canonical identity under a sessions root, holding creds.json.
package authstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Crazynotdev/Tts/cmd/internal/protocol"

	"github.com/natefinch/atomic"
)

const credsFile = "creds.json"

// ErrInvalidID is returned for identities that are not a plain digit string.
var ErrInvalidID = errors.New("authstate: invalid id")

// Store loads, saves and deletes credentials for an identity.
type Store interface {
	Load(ctx context.Context, id string) (protocol.AuthState, error)
	Save(ctx context.Context, id string, st protocol.AuthState) error
	Delete(ctx context.Context, id string) error
}

// FileStore is the directory-per-identity Store.
//
// Writes for one identity are serialized; different identities proceed in parallel.
type FileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates root if needed and returns a FileStore over it.
func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("authstate: empty root")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("authstate: create root: %w", err)
	}
	return &FileStore{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the sessions root directory.
func (s *FileStore) Root() string { return s.root }

// Dir returns the credential directory for id.
func (s *FileStore) Dir(id string) string { return filepath.Join(s.root, id) }

// Load returns the stored state, or a zero unregistered state when none exists.
func (s *FileStore) Load(ctx context.Context, id string) (protocol.AuthState, error) {
	if err := validID(id); err != nil {
		return protocol.AuthState{}, err
	}
	if err := ctx.Err(); err != nil {
		return protocol.AuthState{}, err
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	b, err := os.ReadFile(filepath.Join(s.Dir(id), credsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return protocol.AuthState{}, nil
	}
	if err != nil {
		return protocol.AuthState{}, fmt.Errorf("authstate: read %s: %w", id, err)
	}

	var st protocol.AuthState
	if err := json.Unmarshal(b, &st); err != nil {
		return protocol.AuthState{}, fmt.Errorf("authstate: decode %s: %w", id, protocol.ErrBadCredentials)
	}
	return st, nil
}

// Save atomically replaces the stored state for id.
func (s *FileStore) Save(ctx context.Context, id string, st protocol.AuthState) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(s.Dir(id), 0o700); err != nil {
		return fmt.Errorf("authstate: create dir %s: %w", id, err)
	}
	if err := atomic.WriteFile(filepath.Join(s.Dir(id), credsFile), bytes.NewReader(b)); err != nil {
		return fmt.Errorf("authstate: write %s: %w", id, err)
	}
	return nil
}

// Delete removes every credential file for id. Deleting a missing identity is not an error.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("authstate: delete %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func validID(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return ErrInvalidID
		}
	}
	return nil
}
