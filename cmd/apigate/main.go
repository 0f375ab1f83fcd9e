package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/veridoc/apigate/internal/clock"
	"github.com/veridoc/apigate/internal/config"
	"github.com/veridoc/apigate/internal/credential"
	"github.com/veridoc/apigate/internal/engine"
	"github.com/veridoc/apigate/internal/gate"
	"github.com/veridoc/apigate/internal/observability"
	"github.com/veridoc/apigate/internal/plan"
	"github.com/veridoc/apigate/internal/ratelimit"
	"github.com/veridoc/apigate/internal/server"
	"github.com/veridoc/apigate/internal/usage"
	"github.com/veridoc/apigate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Admission pipeline: credentials, plans, quotas, usage.
		plan.Module,
		credential.Module,
		ratelimit.Module,
		usage.Module,
		gate.Module,

		// Protected backends behind the gate.
		engine.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
