package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localStore tracks per-key demand in-process while Redis is down. It never
// gates fail-open admission; it only feeds the fail_open/fail_open_hot
// decision metrics so an outage under load is observable.
type localStore struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	idleTTL time.Duration
}

type localEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLocalStore() *localStore {
	return &localStore{
		entries: make(map[string]*localEntry),
		idleTTL: 15 * time.Minute,
	}
}

func (s *localStore) allow(key string, lim Limit) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		ent = &localEntry{lim: rate.NewLimiter(rate.Limit(lim.RefillPerSec), lim.Capacity)}
		s.entries[key] = ent
	}
	ent.lastSeen = now

	if len(s.entries) > 4096 {
		s.cleanupLocked(now)
	}
	return ent.lim.Allow()
}

func (s *localStore) cleanupLocked(now time.Time) {
	cutoff := now.Add(-s.idleTTL)
	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}
