package connection

import (
	"sync"
	"time"

	"github.com/holovitals/ehrsync/internal/ehr"
)

// DefaultPendingTTL bounds how long an authorization redirect may take.
const DefaultPendingTTL = 10 * time.Minute

type pendingAuth struct {
	userID       string
	provider     ehr.Provider
	tenantID     string
	codeVerifier string
	expiresAt    time.Time
}

// pendingStore remembers issued OAuth states until the callback arrives.
type pendingStore struct {
	mu      sync.Mutex
	entries map[string]pendingAuth
}

func newPendingStore() *pendingStore {
	return &pendingStore{entries: make(map[string]pendingAuth)}
}

func (s *pendingStore) put(state string, p pendingAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = p
}

// take removes and returns the pending entry for state. Expired entries are
// evicted on every call.
func (s *pendingStore) take(state string, now time.Time) (pendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range s.entries {
		if now.After(p.expiresAt) {
			delete(s.entries, k)
		}
	}
	p, ok := s.entries[state]
	if ok {
		delete(s.entries, state)
	}
	return p, ok
}
