package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/veridoc/apigate/internal/clock"
	"github.com/veridoc/apigate/internal/config"
	credentialdomain "github.com/veridoc/apigate/internal/credential/domain"
	"github.com/veridoc/apigate/internal/engine"
	"github.com/veridoc/apigate/internal/gate"
	"github.com/veridoc/apigate/internal/observability"
	obsmiddleware "github.com/veridoc/apigate/internal/observability/logger"
	obsmetrics "github.com/veridoc/apigate/internal/observability/metrics"
	obstracing "github.com/veridoc/apigate/internal/observability/tracing"
	"github.com/veridoc/apigate/internal/ratelimit"
	"github.com/veridoc/apigate/internal/scope"
	usagedomain "github.com/veridoc/apigate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterAPIRoutes() }),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, clk clock.Clock) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware(clk))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	genID         *snowflake.Node
	credentialSvc credentialdomain.Service
	recorder      usagedomain.Recorder
	limiter       *ratelimit.Limiter
	gate          *gate.Gate
	engineClient  engine.Client
	metrics       *obsmetrics.Metrics
	log           *zap.Logger
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	GenID         *snowflake.Node
	CredentialSvc credentialdomain.Service
	Recorder      usagedomain.Recorder
	Limiter       *ratelimit.Limiter
	Gate          *gate.Gate
	EngineClient  engine.Client
	Metrics       *obsmetrics.Metrics `optional:"true"`
	Log           *zap.Logger
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		genID:         p.GenID,
		credentialSvc: p.CredentialSvc,
		recorder:      p.Recorder,
		limiter:       p.Limiter,
		gate:          p.Gate,
		engineClient:  p.EngineClient,
		metrics:       p.Metrics,
		log:           p.Log,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Credential lifecycle (dashboard surface) --------
	credentials := v1.Group("/credentials")
	credentials.POST("", s.IssueCredential)
	credentials.GET("", s.ListCredentials)
	credentials.GET("/:key_id", s.GetCredential)
	credentials.POST("/:key_id/rotate", s.RotateCredential)
	credentials.POST("/:key_id/suspend", s.SuspendCredential)
	credentials.POST("/:key_id/revoke", s.RevokeCredential)
	credentials.POST("/:key_id/reactivate", s.ReactivateCredential)
	credentials.GET("/:key_id/usage", s.GetCredentialUsage)

	// -------- Protected resources (gate surface) --------
	v1.POST("/documents/process", s.GateRequired(scope.ScopeDocumentProcess), s.ProcessDocument)
	v1.POST("/calculations", s.GateRequired(scope.ScopeCalculationCreate), s.CreateCalculation)
	v1.GET("/calculations/:id", s.GateRequired(scope.ScopeCalculationView), s.GetCalculation)
}
