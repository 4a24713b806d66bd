package main

import (
	"go.uber.org/fx"

	"github.com/peerlink/signalhub/internal/auth"
	"github.com/peerlink/signalhub/internal/bus"
	"github.com/peerlink/signalhub/internal/config"
	"github.com/peerlink/signalhub/internal/contacts"
	"github.com/peerlink/signalhub/internal/delivery"
	"github.com/peerlink/signalhub/internal/handlers"
	"github.com/peerlink/signalhub/internal/logger"
	"github.com/peerlink/signalhub/internal/migration"
	"github.com/peerlink/signalhub/internal/presence"
	"github.com/peerlink/signalhub/internal/redis"
	"github.com/peerlink/signalhub/internal/repository/postgres"
	"github.com/peerlink/signalhub/internal/router"
)

func main() {
	// Load logger config early to configure fx logger
	logCfg := logger.LoadConfig()
	logger.Setup(logCfg)

	fx.New(
		// Use our slog-based logger for fx (or NopLogger if FX_LOGS=false)
		logger.FxLogger(logCfg),

		// Supply the already-loaded config
		fx.Supply(logCfg),

		// Modules
		///
		logger.Module,
		config.Module,
		migration.Module,
		postgres.Module,
		redis.Module,
		router.Module,
		delivery.Module,
		presence.Module,
		auth.Module,
		contacts.Module,
		bus.Module,
		handlers.Module,
		handlers.RouterModule,
		handlers.ServerModule,
	).Run()
}
