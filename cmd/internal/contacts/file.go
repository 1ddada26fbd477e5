package contacts

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

	"github.com/natefinch/atomic"
)

// FileStore keeps the set in memory and mirrors it to a JSON array on disk.
// The file is loaded fully at open and rewritten atomically on every addition.
type FileStore struct {
	path string

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// OpenFileStore loads path, creating an empty record when it does not exist.
func OpenFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("contacts: empty path")
	}

	s := &FileStore{path: path, seen: make(map[string]struct{})}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("contacts: create dir: %w", err)
		}
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("contacts: read %s: %w", path, err)
	}

	var ids []string
	if len(bytes.TrimSpace(b)) > 0 {
		if err := json.Unmarshal(b, &ids); err != nil {
			return nil, fmt.Errorf("contacts: decode %s: %w", path, err)
		}
	}
	for _, id := range ids {
		if _, dup := s.seen[id]; dup || id == "" {
			continue
		}
		s.seen[id] = struct{}{}
		s.order = append(s.order, id)
	}
	return s, nil
}

// HasSeen reports whether peer was recorded.
func (s *FileStore) HasSeen(_ context.Context, peer string) (bool, error) {
	if strings.TrimSpace(peer) == "" {
		return false, ErrEmptyPeer
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[peer]
	return ok, nil
}

// MarkSeen records peer and rewrites the file. Marking a known peer is a no-op.
func (s *FileStore) MarkSeen(ctx context.Context, peer string) error {
	if strings.TrimSpace(peer) == "" {
		return ErrEmptyPeer
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[peer]; ok {
		return nil
	}
	s.seen[peer] = struct{}{}
	s.order = append(s.order, peer)

	if err := s.flushLocked(); err != nil {
		// Keep memory and disk in agreement.
		delete(s.seen, peer)
		s.order = s.order[:len(s.order)-1]
		return err
	}
	return nil
}

// Len returns the number of recorded peers.
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Close is a no-op; every addition is already on disk.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) flushLocked() error {
	ids := s.order
	if ids == nil {
		ids = []string{}
	}
	b, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("contacts: write %s: %w", s.path, err)
	}
	return nil
}
