// Package claim grants exclusive, expiring ownership of a key. The finalizer
// claims a record ID for the duration of one pipeline run so two callers never
// drive the same record at once.
package claim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	// ErrClaimed is returned when the key is already owned by someone else
	ErrClaimed = fmt.Errorf("key is already claimed")

	// ErrNotOwner is returned when releasing a claim that expired or was taken over
	ErrNotOwner = fmt.Errorf("claim is not held by this owner")
)

// Claim is proof of ownership of a key
type Claim struct {
	Key       string
	Token     string
	CreatedAt time.Time
}

// Store grants claims
type Store interface {
	// Acquire claims key, returning ErrClaimed if a live claim exists
	Acquire(ctx context.Context, key string) (*Claim, error)

	// Release gives the key back. Only the current owner can release it.
	Release(ctx context.Context, c *Claim) error
}

// NewClaim builds a claim with a fresh owner token
func NewClaim(key string) *Claim {
	return &Claim{
		Key:       key,
		Token:     uuid.NewString(),
		CreatedAt: time.Now(),
	}
}

// InMemoryStore is a simple in-memory implementation of Store
type InMemoryStore struct {
	mu     sync.Mutex
	claims map[string]*Claim

	// TTL for claims (0 means no expiration)
	ttl time.Duration

	// stopChan is used to signal the cleanup goroutine to stop
	stopChan chan struct{}
	stopped  bool
}

// NewInMemoryStore creates a new in-memory claim store. A claim older than ttl
// is considered abandoned and can be taken over.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	store := &InMemoryStore{
		claims:   make(map[string]*Claim),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}

	if ttl > 0 {
		go store.cleanupLoop()
	}

	return store
}

// Stop stops the cleanup goroutine. Should be called when the store is no longer needed
// to prevent goroutine leaks.
func (s *InMemoryStore) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
	}
}

func (s *InMemoryStore) expired(c *Claim, now time.Time) bool {
	return s.ttl > 0 && now.Sub(c.CreatedAt) > s.ttl
}

// Acquire claims key
func (s *InMemoryStore) Acquire(_ context.Context, key string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.claims[key]; ok && !s.expired(existing, time.Now()) {
		return nil, ErrClaimed
	}

	c := NewClaim(key)
	s.claims[key] = c
	return c, nil
}

// Release gives key back if c still owns it
func (s *InMemoryStore) Release(_ context.Context, c *Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.claims[c.Key]
	if !ok || existing.Token != c.Token {
		return ErrNotOwner
	}
	delete(s.claims, c.Key)
	return nil
}

// cleanupLoop periodically removes expired claims
func (s *InMemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *InMemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, c := range s.claims {
		if s.expired(c, now) {
			delete(s.claims, key)
		}
	}
}

// Size returns the number of live claims in the store
func (s *InMemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}
