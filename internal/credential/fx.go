package credential

import (
	"github.com/veridoc/apigate/internal/credential/repository"
	"github.com/veridoc/apigate/internal/credential/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credential.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
