package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/peerlink/signalhub/internal/config"
	"github.com/peerlink/signalhub/internal/router"
	"github.com/peerlink/signalhub/internal/session"
	"github.com/peerlink/signalhub/internal/websocket"
)

var upgrader = gws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin check in production
		return true
	},
}

// WebSocketHandler accepts signaling connections and runs one session per
// socket until the peer disconnects.
type WebSocketHandler struct {
	deps      session.Deps
	queueSize int
}

// NewWebSocketHandler creates the WebSocket handler
func NewWebSocketHandler(deps session.Deps, cfg *config.Config) *WebSocketHandler {
	return &WebSocketHandler{deps: deps, queueSize: cfg.Socket.OutboundQueueSize}
}

// HandleConnection upgrades the request and drives the connection's session.
// The socket stays anonymous until its first register frame authenticates it.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
		return
	}

	socketID := uuid.New().String()
	writer := router.NewWriter(h.queueSize)
	client := websocket.NewClient(socketID, conn, writer)
	sess := session.New(socketID, writer, h.deps)

	slog.Info("socket connected", "socketId", socketID, "remoteAddr", r.RemoteAddr)

	go client.WritePump()

	// The context covers in-flight forwards; canceling it releases any
	// confirmation wait still parked when the read loop exits.
	ctx, cancel := context.WithCancel(context.Background())
	client.ReadPump(func(messageType int, data []byte) bool {
		return sess.HandleFrame(ctx, messageType, data)
	})
	cancel()

	sess.Teardown(context.Background())
	writer.Close()

	slog.Info("socket disconnected", "socketId", socketID)
}
