package presence

import (
	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/peerlink/signalhub/internal/redis"
)

// PodID identifies this running instance on the bus.
type PodID string

// Module is the fx module for the presence registry.
var Module = fx.Module("presence",
	fx.Provide(
		func() PodID { return PodID(uuid.New().String()) },
		func(rdb *redis.Client, podID PodID) *Registry {
			return NewRegistry(rdb, string(podID))
		},
	),
)
