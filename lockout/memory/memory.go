// Package memory provides a process-local lockout.Store backed by an
// expirable LRU cache, so the failure table is bounded and counts lapse
// once the window passes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/socketauth/socket-auth-go/lockout"
)

const (
	// DefaultMaxFailures is the failure count at which a key locks.
	DefaultMaxFailures = 5
	// DefaultWindow is how long failures count against a key.
	DefaultWindow = 15 * time.Minute

	// maxTrackedKeys caps the number of keys held at once; least recently
	// touched keys are evicted first.
	maxTrackedKeys = 65536
)

// Store implements lockout.Store in process memory. Recording a failure
// refreshes the key's window.
type Store struct {
	maxFailures int

	// mu makes the read-increment-write in RecordFailure atomic; the
	// cache itself is already safe for concurrent use.
	mu    sync.Mutex
	cache *expirable.LRU[string, int]
}

// New creates a Store. Zero values select DefaultMaxFailures and
// DefaultWindow.
func New(maxFailures int, window time.Duration) *Store {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		maxFailures: maxFailures,
		cache:       expirable.NewLRU[string, int](maxTrackedKeys, nil, window),
	}
}

// RecordFailure implements lockout.Store.RecordFailure.
func (s *Store) RecordFailure(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.cache.Get(key)
	n++
	s.cache.Add(key, n)
	return n, nil
}

// IsLocked implements lockout.Store.IsLocked.
func (s *Store) IsLocked(ctx context.Context, key string) (bool, error) {
	n, ok := s.cache.Get(key)
	return ok && n >= s.maxFailures, nil
}

// Reset implements lockout.Store.Reset.
func (s *Store) Reset(ctx context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

var _ lockout.Store = (*Store)(nil)
