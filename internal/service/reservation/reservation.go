// Package reservation guarantees at most one in-flight operation per account.
package reservation

import "sync"

type Set struct {
	mu   sync.Mutex
	held map[string]string
}

func New() *Set {
	return &Set{held: make(map[string]string)}
}

// Acquire reserves accountID for holder. It returns ok=false, without
// blocking, if the account is already reserved. release is idempotent.
func (s *Set) Acquire(accountID, holder string) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.held[accountID]; busy {
		return func() {}, false
	}
	s.held[accountID] = holder
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, accountID)
			s.mu.Unlock()
		})
	}, true
}

// Held returns the current holder of accountID, if any.
func (s *Set) Held(accountID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.held[accountID]
	return h, ok
}
