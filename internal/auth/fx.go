package auth

import (
	"go.uber.org/fx"

	"github.com/peerlink/signalhub/internal/config"
	"github.com/peerlink/signalhub/internal/redis"
	"github.com/peerlink/signalhub/internal/repository/postgres"
)

// Module is the fx module for token resolution.
var Module = fx.Module("auth",
	fx.Provide(func(tokens *postgres.TokenRepository, users *postgres.UserRepository, rdb *redis.Client, cfg *config.Config) *TokenAuthority {
		return NewTokenAuthority(tokens, users, rdb, cfg.Socket.TokenCacheTTL)
	}),
)
