package usage

import (
	"github.com/veridoc/apigate/internal/usage/repository"
	"github.com/veridoc/apigate/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
