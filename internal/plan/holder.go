package plan

import (
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CatalogHolder serves the current catalog and swaps it atomically on
// config reload. Readers never block on a reload.
type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// HolderOptions configures catalog loading.
type HolderOptions struct {
	// ConfigPath, when set, is searched before the default locations.
	ConfigPath string
	// DefaultTier must resolve in the loaded catalog.
	DefaultTier string
}

// NewCatalogHolder loads plans.yml, validates it and starts watching for
// changes. A missing file falls back to the built-in defaults; an invalid
// file at startup is fatal, an invalid reload is logged and ignored.
func NewCatalogHolder(opts HolderOptions, log *zap.Logger) (*CatalogHolder, error) {
	log = log.Named("plan.catalog")

	v := viper.New()
	v.SetConfigName("plans")
	v.SetConfigType("yml")
	if path := strings.TrimSpace(opts.ConfigPath); path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("/etc/apigate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("APIGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	usingDefaults := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		usingDefaults = true
	}

	var cfg Catalog
	if usingDefaults {
		cfg = DefaultCatalog()
	} else if err := v.UnmarshalKey("plans", &cfg); err != nil {
		return nil, err
	}
	if err := validateCatalog(cfg); err != nil {
		return nil, err
	}
	if tier := NormalizeTier(opts.DefaultTier); tier != "" && !cfg.Has(tier) {
		return nil, ErrUnknownTier
	}

	holder := &CatalogHolder{}
	holder.current.Store(cfg)

	if !usingDefaults {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated Catalog
			if err := v.UnmarshalKey("plans", &updated); err != nil {
				log.Warn("plan catalog reload failed", zap.Error(err))
				return
			}
			if err := validateCatalog(updated); err != nil {
				log.Warn("invalid plan catalog ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("plan catalog reloaded", zap.Int("tiers", len(updated.Tiers)), zap.String("file", e.Name))
		})
	}

	log.Info("plan catalog loaded",
		zap.Int("tiers", len(cfg.Tiers)),
		zap.Bool("defaults", usingDefaults),
	)

	return holder, nil
}

// Current returns the active catalog.
func (h *CatalogHolder) Current() Catalog {
	return h.current.Load().(Catalog)
}

// Resolve resolves a tier against the active catalog.
func (h *CatalogHolder) Resolve(tier string) (Limits, error) {
	return h.Current().Resolve(tier)
}
