package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSession is returned by Store.Load when nothing is persisted.
var ErrNoSession = errors.New("no persisted session")

// Session is the durable slice of auth state. Every field persists under
// its own storage key; Save writes all of them together and Clear removes
// all of them together.
type Session struct {
	Token        string          `json:"token"`
	User         map[string]any  `json:"user"`
	Capabilities Capabilities    `json:"capabilities"`
	Permissions  map[string]bool `json:"permissions"`
	Roles        []string        `json:"roles"`
}

// Store persists the session across restarts.
type Store interface {
	Save(ctx context.Context, sess *Session) error
	Load(ctx context.Context) (*Session, error)
	Clear(ctx context.Context) error
	Close() error
}

// MemoryStore keeps the session in memory. Used by tests and by gateways
// configured without a storage path.
type MemoryStore struct {
	mu   sync.Mutex
	sess *Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *sess
	s.sess = &clone
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, ErrNoSession
	}
	clone := *s.sess
	return &clone, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = nil
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
