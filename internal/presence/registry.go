package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/peerlink/signalhub/internal/protocol"
	"github.com/peerlink/signalhub/internal/redis"
)

// Bus channels. MessagesChannel carries RoutedMessages (directed forwards
// and join/leave broadcasts); ConfirmationsChannel carries delivery
// confirmations back to the originating pod.
const (
	MessagesChannel      = "socket:messages"
	ConfirmationsChannel = "socket:confirmations"
)

func presenceKey(email, deviceID string) string {
	return fmt.Sprintf("socket:presence:%s:%s", email, deviceID)
}

func userDevicesKey(email string) string {
	return fmt.Sprintf("socket:user_devices:%s", email)
}

// Registry is the shared-bus presence directory: one key per online
// (email, device) pair plus a per-user device index, and the pub/sub
// primitives the pods route through.
type Registry struct {
	rdb   *redis.Client
	podID string
}

// NewRegistry creates the registry. podID identifies this pod in published
// messages.
func NewRegistry(rdb *redis.Client, podID string) *Registry {
	return &Registry{rdb: rdb, podID: podID}
}

// Put stores the descriptor under the presence key and records the device in
// the user's device index. Presence first, then index; an overwrite replaces
// any prior entry for the pair.
func (r *Registry) Put(ctx context.Context, email, deviceID string, desc protocol.DeviceDescriptor) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("presence: marshal descriptor: %w", err)
	}

	if err := r.rdb.Set(ctx, presenceKey(email, deviceID), data, 0).Err(); err != nil {
		return fmt.Errorf("presence: store descriptor: %w", err)
	}
	if err := r.rdb.HSet(ctx, userDevicesKey(email), deviceID, desc.SocketID).Err(); err != nil {
		return fmt.Errorf("presence: index device: %w", err)
	}
	return nil
}

// Evict deletes both the presence key and the device-index entry.
func (r *Registry) Evict(ctx context.Context, email, deviceID string) error {
	if err := r.rdb.Del(ctx, presenceKey(email, deviceID)).Err(); err != nil {
		return fmt.Errorf("presence: delete descriptor: %w", err)
	}
	if err := r.rdb.HDel(ctx, userDevicesKey(email), deviceID).Err(); err != nil {
		return fmt.Errorf("presence: unindex device: %w", err)
	}
	return nil
}

// ListDevices reads the user's device index and fetches each descriptor.
// Missing or malformed entries are skipped.
func (r *Registry) ListDevices(ctx context.Context, email string) ([]protocol.DeviceDescriptor, error) {
	deviceIDs, err := r.rdb.HKeys(ctx, userDevicesKey(email)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list devices: %w", err)
	}

	devices := make([]protocol.DeviceDescriptor, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		data, err := r.rdb.Get(ctx, presenceKey(email, deviceID)).Result()
		if err != nil {
			continue
		}
		var desc protocol.DeviceDescriptor
		if err := json.Unmarshal([]byte(data), &desc); err != nil {
			slog.Warn("presence: skipping malformed descriptor",
				"email", email,
				"deviceId", deviceID,
				"error", err,
			)
			continue
		}
		devices = append(devices, desc)
	}
	return devices, nil
}

// PublishRouted publishes a routed message on the fan-out channel, stamped
// with this pod's identity.
func (r *Registry) PublishRouted(ctx context.Context, rm protocol.RoutedMessage) error {
	if rm.SenderPod == nil {
		rm.SenderPod = &r.podID
	}
	data, err := json.Marshal(rm)
	if err != nil {
		return fmt.Errorf("presence: marshal routed message: %w", err)
	}
	if err := r.rdb.Publish(ctx, MessagesChannel, data).Err(); err != nil {
		return fmt.Errorf("presence: publish routed message: %w", err)
	}
	return nil
}

// PublishConfirmation tells the originating pod whether a routed message was
// delivered here.
func (r *Registry) PublishConfirmation(ctx context.Context, messageID string, delivered bool) error {
	data, err := json.Marshal(protocol.DeliveryConfirmation{
		MessageID: messageID,
		Delivered: delivered,
		SenderPod: &r.podID,
	})
	if err != nil {
		return fmt.Errorf("presence: marshal confirmation: %w", err)
	}
	if err := r.rdb.Publish(ctx, ConfirmationsChannel, data).Err(); err != nil {
		return fmt.Errorf("presence: publish confirmation: %w", err)
	}
	return nil
}

// PublishJoin broadcasts that a device came online.
func (r *Registry) PublishJoin(ctx context.Context, email, deviceID string) error {
	return r.PublishRouted(ctx, broadcastMessage(protocol.EventUserJoined, email, deviceID, time.Now()))
}

// PublishLeave broadcasts that a device went offline.
func (r *Registry) PublishLeave(ctx context.Context, email, deviceID string) error {
	return r.PublishRouted(ctx, broadcastMessage(protocol.EventUserLeft, email, deviceID, time.Now()))
}

// broadcastMessage builds a join/leave RoutedMessage addressed to every pod.
func broadcastMessage(event, email, deviceID string, now time.Time) protocol.RoutedMessage {
	env := protocol.Envelope{
		FromEmail:  email,
		FromDevice: deviceID,
		Event:      event,
		Payload:    json.RawMessage(fmt.Sprintf(`{"email":%q,"device_id":%q}`, email, deviceID)),
	}
	data, _ := env.Encode()

	return protocol.RoutedMessage{
		TargetEmail:   protocol.BroadcastTarget,
		TargetDevice:  protocol.BroadcastTarget,
		SocketMessage: data,
		Timestamp:     now.UnixMilli(),
	}
}
