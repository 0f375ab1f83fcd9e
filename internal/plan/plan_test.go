package plan

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestDefaultCatalogResolves(t *testing.T) {
	catalog := DefaultCatalog()

	limits, err := catalog.Resolve("Professional")
	if err != nil {
		t.Fatalf("resolve professional: %v", err)
	}
	if limits.PerMinute != 50 || limits.Burst != 100 {
		t.Fatalf("unexpected professional limits: %+v", limits)
	}

	if _, err := catalog.Resolve("platinum"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestValidateCatalogRejectsBadLimits(t *testing.T) {
	bad := Catalog{Tiers: map[string]Limits{
		"free": {PerMinute: 0, Burst: 10},
	}}
	if err := validateCatalog(bad); !errors.Is(err, ErrInvalidLimits) {
		t.Fatalf("expected ErrInvalidLimits, got %v", err)
	}

	bad = Catalog{Tiers: map[string]Limits{
		"free": {PerMinute: 10, Burst: 0},
	}}
	if err := validateCatalog(bad); !errors.Is(err, ErrInvalidLimits) {
		t.Fatalf("expected ErrInvalidLimits, got %v", err)
	}
}

func TestHolderFallsBackToDefaults(t *testing.T) {
	holder, err := NewCatalogHolder(HolderOptions{
		ConfigPath:  t.TempDir(),
		DefaultTier: "free",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("holder without plans.yml should use defaults: %v", err)
	}

	if _, err := holder.Resolve("enterprise"); err != nil {
		t.Fatalf("default catalog should contain enterprise: %v", err)
	}
}

func TestHolderRejectsUnknownDefaultTier(t *testing.T) {
	_, err := NewCatalogHolder(HolderOptions{
		ConfigPath:  t.TempDir(),
		DefaultTier: "platinum",
	}, zap.NewNop())
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier for bad default tier, got %v", err)
	}
}
