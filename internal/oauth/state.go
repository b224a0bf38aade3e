package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// StateEntry holds the CSRF state for an in-flight OAuth authorization
// (spec.md §4.5: "state is single-use and checked").
type StateEntry struct {
	Endpoint     string
	CodeVerifier string
	CreatedAt    time.Time
}

// StateStore is an in-memory CSRF state store with automatic TTL cleanup.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]StateEntry
	ttl     time.Duration
}

// NewStateStore creates a StateStore with a 10-minute TTL.
func NewStateStore() *StateStore {
	return &StateStore{
		entries: make(map[string]StateEntry),
		ttl:     10 * time.Minute,
	}
}

// Create generates a new state token and stores it with the endpoint it
// authorizes against and the PKCE code verifier. Returns the state token.
func (s *StateStore) Create(endpoint, codeVerifier string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanup()

	token, err := generateStateToken()
	if err != nil {
		return "", err
	}
	s.entries[token] = StateEntry{
		Endpoint:     endpoint,
		CodeVerifier: codeVerifier,
		CreatedAt:    time.Now(),
	}
	return token, nil
}

// Validate checks a state token and returns the associated entry.
// The token is consumed (deleted) on successful validation.
func (s *StateStore) Validate(state string) (*StateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[state]
	if !ok {
		return nil, false
	}
	delete(s.entries, state)

	if time.Since(entry.CreatedAt) > s.ttl {
		return nil, false
	}
	return &entry, true
}

// cleanup removes expired entries. Must be called with mu held.
func (s *StateStore) cleanup() {
	now := time.Now()
	for k, v := range s.entries {
		if now.Sub(v.CreatedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
}

func generateStateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}
