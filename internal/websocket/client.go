package websocket

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerlink/signalhub/internal/router"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536
)

// Client ties one upgraded connection to its outbound writer queue. The
// session layer never touches the connection directly; it enqueues frames
// on the writer and WritePump drains them.
type Client struct {
	SocketID string
	Conn     *websocket.Conn
	Writer   *router.Writer
}

// NewClient wraps an upgraded connection.
func NewClient(socketID string, conn *websocket.Conn, w *router.Writer) *Client {
	return &Client{SocketID: socketID, Conn: conn, Writer: w}
}

// ReadPump reads frames from the connection and feeds them to the handler
// until the peer goes away or the handler asks to close. It blocks; run it
// on the connection's goroutine.
func (c *Client) ReadPump(handler func(messageType int, data []byte) bool) {
	defer func() {
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket: read error", "socketId", c.SocketID, "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if !handler(messageType, data) {
			return
		}
	}
}

// WritePump drains the writer queue onto the connection and keeps the
// connection alive with protocol pings. It exits when the writer is closed
// or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Writer.Frames():
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("websocket: write failed", "socketId", c.SocketID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
