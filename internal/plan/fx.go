package plan

import (
	"github.com/veridoc/apigate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("plan.catalog",
	fx.Provide(provideHolder),
)

func provideHolder(cfg config.Config, log *zap.Logger) (*CatalogHolder, error) {
	return NewCatalogHolder(HolderOptions{
		ConfigPath:  cfg.PlanConfigPath,
		DefaultTier: cfg.DefaultTier,
	}, log)
}
