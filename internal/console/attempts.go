package console

import (
	"sync"
	"time"

	"github.com/wadahiro/pkcelens/internal/callback"
	"github.com/wadahiro/pkcelens/internal/notify"
)

// attempt is a callback page load waiting for, or done with, its exchange.
type attempt struct {
	receiver    *callback.Receiver
	query       string
	authURL     string
	storedState string
	createdAt   time.Time

	mu      sync.Mutex
	message *notify.Message
}

func (a *attempt) setMessage(m notify.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.message = &m
}

// takeMessage returns the opener notification once.
func (a *attempt) takeMessage() *notify.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.message
	a.message = nil
	return m
}

// attemptStore keeps the latest callback attempt per console session.
type attemptStore struct {
	mu       sync.Mutex
	attempts map[string]*attempt
	authURLs map[string]string // last authorization request per session
}

func newAttemptStore() *attemptStore {
	return &attemptStore{
		attempts: make(map[string]*attempt),
		authURLs: make(map[string]string),
	}
}

func (s *attemptStore) setAuthURL(sid, u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authURLs[sid] = u
}

func (s *attemptStore) authURL(sid string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authURLs[sid]
}

func (s *attemptStore) put(sid string, a *attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[sid] = a
}

func (s *attemptStore) get(sid string) *attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[sid]
}

func (s *attemptStore) delete(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, sid)
	delete(s.authURLs, sid)
}

// prune drops attempts created before cutoff.
func (s *attemptStore) prune(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, a := range s.attempts {
		if a.createdAt.Before(cutoff) {
			delete(s.attempts, sid)
		}
	}
}
