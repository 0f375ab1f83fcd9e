// Package plan maps plan tiers to rate-limit parameters. The catalog is
// loaded once at startup and hot-reloaded from plans.yml; an unknown tier
// is a configuration error, never a runtime surprise.
package plan

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownTier   = errors.New("unknown_tier")
	ErrInvalidLimits = errors.New("invalid_limits")
)

// Limits carries the quota parameters for one tier. A zero PerHour or
// PerDay disables that window; PerMinute and Burst are always enforced.
type Limits struct {
	PerMinute int64 `mapstructure:"perMinute" json:"per_minute"`
	PerHour   int64 `mapstructure:"perHour" json:"per_hour"`
	PerDay    int64 `mapstructure:"perDay" json:"per_day"`
	Burst     int64 `mapstructure:"burst" json:"burst"`
}

// Catalog is the validated tier table.
type Catalog struct {
	Tiers map[string]Limits `mapstructure:"tiers"`
}

// DefaultCatalog returns the built-in tier table used when no plans.yml
// is present.
func DefaultCatalog() Catalog {
	return Catalog{
		Tiers: map[string]Limits{
			"free":         {PerMinute: 10, PerHour: 300, PerDay: 2_000, Burst: 20},
			"starter":      {PerMinute: 30, PerHour: 1_000, PerDay: 10_000, Burst: 60},
			"professional": {PerMinute: 50, PerHour: 2_000, PerDay: 25_000, Burst: 100},
			"enterprise":   {PerMinute: 500, PerHour: 20_000, PerDay: 250_000, Burst: 1_000},
		},
	}
}

// Resolve returns the limits for a tier.
func (c Catalog) Resolve(tier string) (Limits, error) {
	limits, ok := c.Tiers[NormalizeTier(tier)]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return limits, nil
}

// Has reports whether the tier exists.
func (c Catalog) Has(tier string) bool {
	_, ok := c.Tiers[NormalizeTier(tier)]
	return ok
}

func NormalizeTier(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}

func validateCatalog(c Catalog) error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("%w: no tiers configured", ErrInvalidLimits)
	}
	for tier, limits := range c.Tiers {
		if limits.PerMinute <= 0 {
			return fmt.Errorf("%w: tier %q requires a positive perMinute", ErrInvalidLimits, tier)
		}
		if limits.Burst <= 0 {
			return fmt.Errorf("%w: tier %q requires a positive burst", ErrInvalidLimits, tier)
		}
		if limits.PerHour < 0 || limits.PerDay < 0 {
			return fmt.Errorf("%w: tier %q has negative window limits", ErrInvalidLimits, tier)
		}
	}
	return nil
}
