package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/shopcredits/internal/clock"
	"github.com/smallbiznis/shopcredits/internal/config"
	"github.com/smallbiznis/shopcredits/internal/migration"
	"github.com/smallbiznis/shopcredits/internal/observability"
	"github.com/smallbiznis/shopcredits/internal/server"
	"github.com/smallbiznis/shopcredits/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Webhook processing, operator API and the HTTP listener
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
