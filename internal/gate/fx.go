package gate

import (
	"github.com/veridoc/apigate/internal/config"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	obsmetrics "github.com/veridoc/apigate/internal/observability/metrics"
	"github.com/veridoc/apigate/internal/permission"
	"github.com/veridoc/apigate/internal/ratelimit"
	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gate",
	fx.Provide(permission.NewChecker),
	fx.Provide(func(s credentialdomain.Service) CredentialResolver { return s }),
	fx.Provide(func(l *ratelimit.Limiter) Admitter { return l }),
	fx.Provide(provideGate),
)

type Params struct {
	fx.In

	Cfg      config.Config
	Resolver CredentialResolver
	Checker  *permission.Checker
	Admitter Admitter
	Recorder usagedomain.Recorder
	Metrics  *obsmetrics.Metrics `optional:"true"`
	Log      *zap.Logger
}

func provideGate(p Params) *Gate {
	return New(p.Resolver, p.Checker, p.Admitter, p.Recorder, p.Metrics, p.Log, Options{
		FailOpen:            p.Cfg.Gate.FailOpen,
		ResourceEnvironment: credentialdomain.Environment(p.Cfg.Gate.ResourceEnvironment),
	})
}
