// Package ratelimit enforces per-credential quotas: a continuously
// refilled burst bucket smooths spikes, fixed-window counters enforce the
// hard per-minute/hour/day ceilings. The bucket never overrides a window
// limit.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veridoc/apigate/internal/clock"
	"github.com/veridoc/apigate/internal/plan"
	"go.uber.org/zap"
)

var (
	// ErrRateLimitExceeded is the class of every quota denial; the
	// concrete *LimitExceededError carries the reset time.
	ErrRateLimitExceeded = errors.New("rate_limit_exceeded")
	// ErrStoreUnavailable wraps counter-store failures so the gate can
	// apply its fail-open/closed policy.
	ErrStoreUnavailable = errors.New("store_unavailable")
)

// LimitExceededError is returned on denial. Window names the exhausted
// constraint ("burst", "minute", "hour", "day").
type LimitExceededError struct {
	Window  string
	ResetAt time.Time
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate_limit_exceeded: %s window, resets %s", e.Window, e.ResetAt.Format(time.RFC3339))
}

func (e *LimitExceededError) Unwrap() error { return ErrRateLimitExceeded }

// Granularity is a fixed window size.
type Granularity string

const (
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

func (g Granularity) Duration() time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// CounterStore owns the volatile limiter state. Losing it only resets
// quotas, so both a process-local and a Redis implementation qualify.
type CounterStore interface {
	// TakeToken refills the credential's burst bucket at ratePerSec up
	// to burst and consumes one token. On denial retryAfter is the time
	// until a token becomes available.
	TakeToken(ctx context.Context, credentialID string, ratePerSec float64, burst int64, now time.Time) (allowed bool, retryAfter time.Duration, err error)
	// IncrWindow atomically increments the (credential, granularity,
	// windowStart) counter and returns the post-increment count.
	IncrWindow(ctx context.Context, credentialID string, g Granularity, windowStart time.Time) (int64, error)
	// WindowCount reads a counter without incrementing it.
	WindowCount(ctx context.Context, credentialID string, g Granularity, windowStart time.Time) (int64, error)
	// Reset drops all state for a credential.
	Reset(ctx context.Context, credentialID string) error
}

// Limiter applies a credential's plan limits against the counter store.
type Limiter struct {
	store   CounterStore
	catalog *plan.CatalogHolder
	clock   clock.Clock
	log     *zap.Logger
}

func NewLimiter(store CounterStore, catalog *plan.CatalogHolder, clk clock.Clock, log *zap.Logger) *Limiter {
	return &Limiter{
		store:   store,
		catalog: catalog,
		clock:   clk,
		log:     log.Named("ratelimit"),
	}
}

// WindowUsage reports one window's state for usage queries. The counters
// consulted here are the same ones Admit increments.
type WindowUsage struct {
	Granularity Granularity `json:"granularity"`
	Limit       int64       `json:"limit"`
	Used        int64       `json:"used"`
	ResetAt     time.Time   `json:"reset_at"`
}

// Admit decides a single request. The burst bucket is checked first;
// every configured window is then incremented and compared. Limits are
// read from the live catalog at each call, so a plan change applies to
// the next comparison without rewriting accumulated counts.
func (l *Limiter) Admit(ctx context.Context, credentialID, tier string) error {
	limits, err := l.catalog.Resolve(tier)
	if err != nil {
		return err
	}

	now := l.clock.Now()
	refillRate := float64(limits.PerMinute) / 60.0

	allowed, retryAfter, err := l.store.TakeToken(ctx, credentialID, refillRate, limits.Burst, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !allowed {
		return &LimitExceededError{Window: "burst", ResetAt: now.Add(retryAfter)}
	}

	for _, w := range windows(limits) {
		start := now.Truncate(w.granularity.Duration())
		count, err := l.store.IncrWindow(ctx, credentialID, w.granularity, start)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if count > w.limit {
			return &LimitExceededError{
				Window:  string(w.granularity),
				ResetAt: start.Add(w.granularity.Duration()),
			}
		}
	}

	return nil
}

// Reset clears all counters for a credential. Satisfies the credential
// service's QuotaResetter for rotation.
func (l *Limiter) Reset(ctx context.Context, credentialID string) error {
	return l.store.Reset(ctx, credentialID)
}

// CurrentWindows reads the active window counters for reporting.
func (l *Limiter) CurrentWindows(ctx context.Context, credentialID, tier string) ([]WindowUsage, error) {
	limits, err := l.catalog.Resolve(tier)
	if err != nil {
		return nil, err
	}

	now := l.clock.Now()
	usage := make([]WindowUsage, 0, 3)
	for _, w := range windows(limits) {
		start := now.Truncate(w.granularity.Duration())
		count, err := l.store.WindowCount(ctx, credentialID, w.granularity, start)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		usage = append(usage, WindowUsage{
			Granularity: w.granularity,
			Limit:       w.limit,
			Used:        count,
			ResetAt:     start.Add(w.granularity.Duration()),
		})
	}
	return usage, nil
}

type window struct {
	granularity Granularity
	limit       int64
}

func windows(limits plan.Limits) []window {
	ws := []window{{GranularityMinute, limits.PerMinute}}
	if limits.PerHour > 0 {
		ws = append(ws, window{GranularityHour, limits.PerHour})
	}
	if limits.PerDay > 0 {
		ws = append(ws, window{GranularityDay, limits.PerDay})
	}
	return ws
}
