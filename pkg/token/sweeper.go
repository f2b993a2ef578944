package token

import (
	"context"
	"sync"
	"time"
)

// SweepExpired removes tokens past their expiry from the active store and
// drops stale usage windows. The revoked-id set is untouched. Token ids
// are collected under a read lock and removed one by one so the sweep
// never holds the map lock across the whole pass.
func (s *Service) SweepExpired(ctx context.Context) int {
	now := s.clock.Now()

	s.mu.RLock()
	candidates := make([]string, 0)
	for id := range s.entries {
		candidates = append(candidates, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range candidates {
		s.mu.RLock()
		e, ok := s.entries[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		expired := now.After(e.tok.ExpiresAt)
		if !expired && !e.usage.start.IsZero() && now.Sub(e.usage.start) > time.Hour {
			e.usage = usageWindow{}
		}
		e.mu.Unlock()

		if expired {
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
			removed++
		}
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "expired tokens swept", "removed", removed)
	}
	return removed
}

// StartSweeper runs SweepExpired on the given interval until the returned
// stop function is called or ctx is canceled.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.SweepExpired(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
