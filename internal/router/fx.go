package router

import "go.uber.org/fx"

// Module is the fx module for the local routing maps.
var Module = fx.Module("router",
	fx.Provide(NewLocalRouter),
)
