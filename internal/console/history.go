package console

import (
	"sync"
)

const maxHistory = 50

// HistoryStore is an in-memory event history keyed by console session id.
type HistoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*History
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		sessions: make(map[string]*History),
	}
}

// Add prepends entry to the history of sid.
func (s *HistoryStore) Add(sid string, entry ResultEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.sessions[sid]
	if h == nil {
		h = &History{}
		s.sessions[sid] = h
	}
	h.Results = append([]ResultEntry{entry}, h.Results...)
	if len(h.Results) > maxHistory {
		h.Results = h.Results[:maxHistory]
	}
}

// Get returns a copy of the entries of sid.
func (s *HistoryStore) Get(sid string) []ResultEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.sessions[sid]
	if h == nil {
		return nil
	}
	return append([]ResultEntry(nil), h.Results...)
}

// Delete removes the history of sid.
func (s *HistoryStore) Delete(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
}
