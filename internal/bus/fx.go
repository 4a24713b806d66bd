package bus

import (
	"context"

	"go.uber.org/fx"

	"github.com/peerlink/signalhub/internal/config"
	"github.com/peerlink/signalhub/internal/delivery"
	"github.com/peerlink/signalhub/internal/presence"
	"github.com/peerlink/signalhub/internal/redis"
	"github.com/peerlink/signalhub/internal/router"
)

// Module is the fx module for the bus subscriber.
var Module = fx.Module("bus",
	fx.Provide(newSubscriber),
	fx.Invoke(runSubscriber),
)

func newSubscriber(rdb *redis.Client, local *router.LocalRouter, pending *delivery.PendingTable, registry *presence.Registry, cfg *config.Config) *Subscriber {
	return NewSubscriber(rdb, local, pending, registry, cfg.Socket.SubscriberBackoff)
}

// runSubscriber ties the subscriber loop to the application lifetime.
func runSubscriber(lc fx.Lifecycle, sub *Subscriber) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				sub.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
