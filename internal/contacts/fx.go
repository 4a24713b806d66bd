package contacts

import (
	"go.uber.org/fx"

	"github.com/peerlink/signalhub/internal/config"
	"github.com/peerlink/signalhub/internal/repository/postgres"
)

// Module is the fx module for the contact graph.
var Module = fx.Module("contacts",
	fx.Provide(func(users *postgres.UserRepository, connections *postgres.ConnectionRepository, cfg *config.Config) *Graph {
		return NewGraph(users, connections, cfg.Socket.ContactCacheTTL)
	}),
)
