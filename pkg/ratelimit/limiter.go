// Package ratelimit bounds repeat-heavy operations per caller. The semantic
// codec uses it to cap slow key-derivation requests; the gateway can reuse
// it for any per-agent backpressure.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines per-key limits.
type Policy struct {
	PerMinute int
	Burst     int
}

// Store abstracts the storage for rate limiting buckets. Implementations
// must be safe for concurrent use.
type Store interface {
	// Allow reports whether key may perform an action costing cost tokens.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore is an in-process Store for single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	perSec := rate.Limit(float64(policy.PerMinute) / 60.0)
	if perSec <= 0 {
		perSec = rate.Limit(1)
	}
	burst := policy.Burst
	if burst < 1 {
		burst = 1
	}

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{limiter: rate.NewLimiter(perSec, burst)}
		s.entries[key] = e
	}
	e.lastSeen = time.Now()
	s.mu.Unlock()

	return e.limiter.AllowN(time.Now(), cost), nil
}

// DropStale removes buckets idle longer than maxIdle. Called by the
// service sweeper so abandoned keys do not accumulate.
func (s *MemoryStore) DropStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for k, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, k)
			dropped++
		}
	}
	return dropped
}
