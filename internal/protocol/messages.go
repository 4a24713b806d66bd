package protocol

import "encoding/json"

// DeviceDescriptor describes one registered device. It is created at
// register time, stored in the presence registry, and immutable for the
// lifetime of the socket.
type DeviceDescriptor struct {
	SocketID   string  `json:"socket_id"`
	DeviceName *string `json:"device_name,omitempty"`
	DeviceType *string `json:"device_type,omitempty"`
	DeviceID   string  `json:"device_id"`
}

// RegisterPayload is the payload clients attach to a register envelope.
type RegisterPayload struct {
	DeviceName *string `json:"device_name"`
	DeviceType *string `json:"device_type"`
}

// RoutedMessage is an envelope plus routing metadata, published on the
// socket:messages channel. SocketMessage keeps the original envelope bytes
// so delivery forwards them untouched. Broadcasts use "*" for both targets.
type RoutedMessage struct {
	TargetEmail   string          `json:"target_email"`
	TargetDevice  string          `json:"target_device"`
	SocketMessage json.RawMessage `json:"socket_message"`
	SenderPod     *string         `json:"sender_pod"`
	Timestamp     int64           `json:"timestamp"`
}

// IsBroadcast reports whether the message addresses every pod.
func (m *RoutedMessage) IsBroadcast() bool {
	return m.TargetEmail == BroadcastTarget && m.TargetDevice == BroadcastTarget
}

// DeliveryConfirmation is published on the socket:confirmations channel by
// the pod that delivered a routed message, and resolves the originating
// pod's pending-delivery entry.
type DeliveryConfirmation struct {
	MessageID string  `json:"message_id"`
	Delivered bool    `json:"delivered"`
	SenderPod *string `json:"sender_pod,omitempty"`
}

// UserDevices is one element of the check response: a contact plus their
// currently online devices.
type UserDevices struct {
	Email   string             `json:"email"`
	Devices []DeviceDescriptor `json:"devices"`
}

// RegisterResponse acknowledges a register attempt.
type RegisterResponse struct {
	Event    string `json:"event"`
	Status   string `json:"status"`
	SocketID string `json:"socket_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ConnectAck acknowledges a connect event.
type ConnectAck struct {
	Event  string `json:"event"`
	Status string `json:"status"`
}

// PongResponse answers a protocol-level ping.
type PongResponse struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorResponse reports a failure to the client. TargetEmail and
// TargetDevice are set for forwarding failures.
type ErrorResponse struct {
	Event        string  `json:"event"`
	Error        string  `json:"error"`
	TargetEmail  *string `json:"target_email,omitempty"`
	TargetDevice *string `json:"target_device,omitempty"`
}
