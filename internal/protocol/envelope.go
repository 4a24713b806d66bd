package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// Events carried on the signaling socket. The set is closed; anything else
// is a protocol error.
const (
	EventRegister     = "register"
	EventCheck        = "check"
	EventConnect      = "connect"
	EventTryConnect   = "try_connect"
	EventSDPOffer     = "sdp_offer"
	EventSDPAnswer    = "sdp_answer"
	EventICECandidate = "ice_candidate"
	EventPing         = "ping"
	EventPong         = "pong"
	EventDisconnect   = "disconnect"

	// Broadcast events published on the bus when a device comes or goes.
	EventUserJoined = "user_joined"
	EventUserLeft   = "user_left"
)

// BroadcastTarget is the sentinel used for both target fields of a
// RoutedMessage that addresses every pod rather than one device.
const BroadcastTarget = "*"

// Envelope is the JSON message exchanged on the WebSocket. Payload is opaque
// to the hub and forwarded verbatim.
type Envelope struct {
	FromEmail  string          `json:"from_email"`
	FromToken  string          `json:"from_token"`
	FromDevice string          `json:"from_device"`
	ToEmail    string          `json:"to_email"`
	ToDevice   string          `json:"to_device"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a WebSocket frame into an Envelope. Text and binary frames
// both carry JSON; any other frame kind is rejected.
func Decode(messageType int, data []byte) (*Envelope, error) {
	switch messageType {
	case websocket.TextMessage, websocket.BinaryMessage:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, err
		}
		return &env, nil
	default:
		return nil, fmt.Errorf("invalid frame type %d", messageType)
	}
}

// Encode serializes an envelope to a JSON text frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Validate enforces the per-event required-field constraints. It is pure:
// no shared state is consulted.
func (e *Envelope) Validate() error {
	switch e.Event {
	case EventRegister:
		if e.FromEmail == "" {
			return fmt.Errorf("from_email is required for register")
		}
		if e.FromToken == "" {
			return fmt.Errorf("from_token is required for register")
		}
		if e.FromDevice == "" {
			return fmt.Errorf("from_device is required for register")
		}
	case EventCheck:
		if e.FromEmail == "" {
			return fmt.Errorf("from_email is required for check")
		}
	case EventConnect:
		if e.FromEmail == "" {
			return fmt.Errorf("from_email is required for connect")
		}
	case EventTryConnect, EventSDPOffer, EventSDPAnswer, EventICECandidate:
		if e.FromEmail == "" {
			return fmt.Errorf("from_email is required")
		}
		if e.ToEmail == "" {
			return fmt.Errorf("to_email is required")
		}
		if e.ToDevice == "" {
			return fmt.Errorf("to_device is required")
		}
		if e.FromDevice == "" {
			return fmt.Errorf("from_device is required")
		}
	case EventPing, EventPong, EventDisconnect:
		// No required fields.
	default:
		return fmt.Errorf("Unknown event type: %s", e.Event)
	}
	return nil
}

// IsForward reports whether the event addresses a specific peer device.
func (e *Envelope) IsForward() bool {
	switch e.Event {
	case EventTryConnect, EventSDPOffer, EventSDPAnswer, EventICECandidate:
		return true
	}
	return false
}

// MessageID derives the delivery-tracking identifier for a forwarded
// envelope. Both the sending pod and the delivering pod compute it from the
// same fields, so it never travels on the wire.
func MessageID(e *Envelope, timestampMillis int64) string {
	return fmt.Sprintf("%s_%s_%s_%s_%d",
		e.FromEmail, e.FromDevice, e.ToEmail, e.ToDevice, timestampMillis)
}
