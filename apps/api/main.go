package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/opsboard/opsboard/internal/billingentity"
	"github.com/opsboard/opsboard/internal/clock"
	"github.com/opsboard/opsboard/internal/config"
	"github.com/opsboard/opsboard/internal/idempotency"
	"github.com/opsboard/opsboard/internal/invoicing"
	"github.com/opsboard/opsboard/internal/metering"
	"github.com/opsboard/opsboard/internal/migration"
	"github.com/opsboard/opsboard/internal/observability"
	"github.com/opsboard/opsboard/internal/ratelimit"
	"github.com/opsboard/opsboard/internal/server"
	"github.com/opsboard/opsboard/internal/storage"
	"github.com/opsboard/opsboard/internal/usage"
	"github.com/opsboard/opsboard/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		idempotency.Module,
		billingentity.Module,
		usage.Module,
		metering.Module,
		storage.Module,
		invoicing.Module,
		ratelimit.Module,

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
