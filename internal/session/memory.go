package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wadahiro/pkcelens/internal/pkce"
)

type materialEntry struct {
	material  pkce.Material
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Material expires after the configured TTL.
type MemoryStore struct {
	mu        sync.RWMutex
	clock     clockwork.Clock
	ttl       time.Duration
	materials map[string]materialEntry
	tokens    map[string]TokenSet
}

// NewMemoryStore creates a memory store. A zero ttl keeps material until cleared.
func NewMemoryStore(clock clockwork.Clock, ttl time.Duration) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:     clock,
		ttl:       ttl,
		materials: make(map[string]materialEntry),
		tokens:    make(map[string]TokenSet),
	}
}

func (s *MemoryStore) GetSecurityMaterial(_ context.Context, sid string) (*pkce.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.materials[sid]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && !s.clock.Now().Before(e.expiresAt) {
		return nil, nil
	}
	m := e.material
	return &m, nil
}

func (s *MemoryStore) SetSecurityMaterial(_ context.Context, sid string, m *pkce.Material) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := materialEntry{material: *m}
	if s.ttl > 0 {
		e.expiresAt = s.clock.Now().Add(s.ttl)
	}
	s.materials[sid] = e
	return nil
}

func (s *MemoryStore) ClearSecurityMaterial(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.materials, sid)
	return nil
}

func (s *MemoryStore) GetTokenSet(_ context.Context, sid string) (*TokenSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[sid]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *MemoryStore) SetTokenSet(_ context.Context, sid string, tokens *TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[sid] = *tokens
	return nil
}

func (s *MemoryStore) ClearTokenSet(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, sid)
	return nil
}
