package ratelimit

import (
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/veridoc/apigate/internal/config"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(provideStore),
	fx.Provide(NewLimiter),
	fx.Provide(func(l *Limiter) credentialdomain.QuotaResetter { return l }),
)

func provideStore(cfg config.Config, log *zap.Logger) (CounterStore, error) {
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		addr := strings.TrimSpace(cfg.RateLimit.RedisAddr)
		if addr == "" {
			return nil, errors.New("rate limit redis addr is required")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		log.Info("rate limit store: redis", zap.String("addr", addr))
		return NewRedisStore(client), nil
	default:
		log.Info("rate limit store: memory")
		return NewMemoryStore(), nil
	}
}
