package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore keeps all counters in process memory. Suitable for a
// single-instance deployment; quota state is lost on restart, which only
// resets quotas.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucketEntry
	windows map[string]map[windowKey]int64
}

type bucketEntry struct {
	lim   *rate.Limiter
	rps   float64
	burst int64
}

type windowKey struct {
	granularity Granularity
	start       int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucketEntry),
		windows: make(map[string]map[windowKey]int64),
	}
}

func (s *MemoryStore) TakeToken(ctx context.Context, credentialID string, ratePerSec float64, burst int64, now time.Time) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.buckets[credentialID]
	if !ok {
		entry = &bucketEntry{
			lim:   rate.NewLimiter(rate.Limit(ratePerSec), int(burst)),
			rps:   ratePerSec,
			burst: burst,
		}
		s.buckets[credentialID] = entry
	} else if entry.rps != ratePerSec || entry.burst != burst {
		// Plan changed; re-shape the bucket without dropping its level.
		entry.lim.SetLimitAt(now, rate.Limit(ratePerSec))
		entry.lim.SetBurstAt(now, int(burst))
		entry.rps = ratePerSec
		entry.burst = burst
	}

	if entry.lim.AllowN(now, 1) {
		return true, 0, nil
	}

	tokens := entry.lim.TokensAt(now)
	needed := 1.0 - tokens
	if needed < 0 {
		needed = 0
	}
	retryAfter := time.Duration(math.Ceil(needed / ratePerSec * float64(time.Second)))
	return false, retryAfter, nil
}

func (s *MemoryStore) IncrWindow(ctx context.Context, credentialID string, g Granularity, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, ok := s.windows[credentialID]
	if !ok {
		counters = make(map[windowKey]int64)
		s.windows[credentialID] = counters
	}

	s.pruneLocked(counters, windowStart)

	key := windowKey{granularity: g, start: windowStart.Unix()}
	counters[key]++
	return counters[key], nil
}

func (s *MemoryStore) WindowCount(ctx context.Context, credentialID string, g Granularity, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters, ok := s.windows[credentialID]
	if !ok {
		return 0, nil
	}
	return counters[windowKey{granularity: g, start: windowStart.Unix()}], nil
}

func (s *MemoryStore) Reset(ctx context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets, credentialID)
	delete(s.windows, credentialID)
	return nil
}

// pruneLocked drops windows older than two periods of their granularity.
// Pruning happens lazily on access, never on a sweep.
func (s *MemoryStore) pruneLocked(counters map[windowKey]int64, now time.Time) {
	for key := range counters {
		cutoff := now.Add(-2 * key.granularity.Duration()).Unix()
		if key.start < cutoff {
			delete(counters, key)
		}
	}
}
