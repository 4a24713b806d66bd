package handlers

import (
	"go.uber.org/fx"

	"github.com/peerlink/signalhub/internal/auth"
	"github.com/peerlink/signalhub/internal/config"
	"github.com/peerlink/signalhub/internal/contacts"
	"github.com/peerlink/signalhub/internal/delivery"
	"github.com/peerlink/signalhub/internal/presence"
	"github.com/peerlink/signalhub/internal/router"
	"github.com/peerlink/signalhub/internal/session"
)

var Module = fx.Module("handler",
	fx.Provide(
		NewWebSocketHandlerFx,
	),
)

// NewWebSocketHandlerFx creates the WebSocket handler for fx
func NewWebSocketHandlerFx(
	local *router.LocalRouter,
	registry *presence.Registry,
	authority *auth.TokenAuthority,
	graph *contacts.Graph,
	pending *delivery.PendingTable,
	cfg *config.Config,
) *WebSocketHandler {
	return NewWebSocketHandler(session.Deps{
		Local:          local,
		Presence:       registry,
		Tokens:         authority,
		Contacts:       graph,
		Pending:        pending,
		ForwardTimeout: cfg.Socket.ForwardTimeout,
	}, cfg)
}
