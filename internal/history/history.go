// Package history persists completed conversation exchanges per relay
// session.
//
// Three backends satisfy [Store]: [MemoryStore] (default, process lifetime),
// the PostgreSQL store in the postgres sub-package and the Redis store in the
// redis sub-package.
package history

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrInvalidSession is returned when an entry or query has no session ID.
var ErrInvalidSession = errors.New("history: session id is required")

// Entry is one user request and the reply that was sent for it.
type Entry struct {
	SessionID string    `json:"session_id"`
	User      string    `json:"user"`
	Reply     string    `json:"reply"`
	Fallback  bool      `json:"fallback"`
	At        time.Time `json:"at"`
}

// Store records exchanges. Implementations must be safe for concurrent use.
type Store interface {
	// Append records e. A zero At is set to the current time.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit of the newest entries of a session, oldest
	// first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// MemoryStore is an in-process [Store]. Each session keeps at most maxPerSession
// entries; older ones are dropped.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string][]Entry
	maxPerSession int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore. maxPerSession <= 0 keeps every
// entry.
func NewMemoryStore(maxPerSession int) *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string][]Entry),
		maxPerSession: maxPerSession,
	}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	if e.SessionID == "" {
		return ErrInvalidSession
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.sessions[e.SessionID], e)
	if s.maxPerSession > 0 && len(entries) > s.maxPerSession {
		entries = slices.Clone(entries[len(entries)-s.maxPerSession:])
	}
	s.sessions[e.SessionID] = entries
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.sessions[sessionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return slices.Clone(entries), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
