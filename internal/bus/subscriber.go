package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/peerlink/signalhub/internal/delivery"
	"github.com/peerlink/signalhub/internal/presence"
	"github.com/peerlink/signalhub/internal/protocol"
	"github.com/peerlink/signalhub/internal/redis"
	"github.com/peerlink/signalhub/internal/router"
)

// Confirmer publishes delivery confirmations back onto the bus. Satisfied by
// the presence registry.
type Confirmer interface {
	PublishConfirmation(ctx context.Context, messageID string, delivered bool) error
}

// Subscriber is the single long-lived bus consumer per pod. It delivers
// routed messages addressed to locally bound devices, confirms those
// deliveries, and resolves confirmations for forwards this pod originated.
type Subscriber struct {
	rdb       *redis.Client
	local     *router.LocalRouter
	pending   *delivery.PendingTable
	confirmer Confirmer
	backoff   time.Duration
}

// NewSubscriber creates a subscriber. backoff is the sleep between reconnect
// attempts after the subscription drops.
func NewSubscriber(rdb *redis.Client, local *router.LocalRouter, pending *delivery.PendingTable, confirmer Confirmer, backoff time.Duration) *Subscriber {
	return &Subscriber{
		rdb:       rdb,
		local:     local,
		pending:   pending,
		confirmer: confirmer,
		backoff:   backoff,
	}
}

// Run consumes the bus until ctx is cancelled. It never exits on its own: a
// dropped subscription is retried after the backoff interval.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			slog.Info("bus: subscriber stopped")
			return
		}
		slog.Error("bus: subscription lost, reconnecting",
			"error", err,
			"backoff", s.backoff,
		)
		select {
		case <-ctx.Done():
			slog.Info("bus: subscriber stopped")
			return
		case <-time.After(s.backoff):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	pubsub := s.rdb.Subscribe(ctx, presence.MessagesChannel, presence.ConfirmationsChannel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	slog.Info("bus: subscribed",
		"channels", []string{presence.MessagesChannel, presence.ConfirmationsChannel},
	)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("bus: subscription channel closed")
			}
			s.handleMessage(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// handleMessage dispatches one bus payload by channel.
func (s *Subscriber) handleMessage(ctx context.Context, channel string, payload []byte) {
	switch channel {
	case presence.MessagesChannel:
		s.handleRouted(ctx, payload)
	case presence.ConfirmationsChannel:
		s.handleConfirmation(payload)
	}
}

func (s *Subscriber) handleRouted(ctx context.Context, payload []byte) {
	var rm protocol.RoutedMessage
	if err := json.Unmarshal(payload, &rm); err != nil {
		slog.Error("bus: failed to unmarshal routed message", "error", err)
		return
	}

	if rm.IsBroadcast() {
		// Join/leave broadcast. Clients rediscover presence through check,
		// so nothing is fanned out to local sockets.
		slog.Debug("bus: presence broadcast received")
		return
	}

	w, ok := s.local.Lookup(rm.TargetEmail, rm.TargetDevice)
	if !ok {
		// Not bound here; some other pod may own the device.
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(rm.SocketMessage, &env); err != nil {
		slog.Error("bus: routed message carries malformed envelope", "error", err)
		return
	}

	err := w.TrySend(rm.SocketMessage)
	if errors.Is(err, router.ErrWriterClosed) {
		// The binding is being torn down; let the sender time out.
		return
	}
	if errors.Is(err, router.ErrQueueFull) {
		slog.Warn("bus: recipient queue full, frame dropped",
			"targetEmail", rm.TargetEmail,
			"targetDevice", rm.TargetDevice,
		)
	}

	messageID := protocol.MessageID(&env, rm.Timestamp)
	if err := s.confirmer.PublishConfirmation(ctx, messageID, true); err != nil {
		slog.Error("bus: failed to publish delivery confirmation",
			"messageId", messageID,
			"error", err,
		)
	}
}

func (s *Subscriber) handleConfirmation(payload []byte) {
	var conf protocol.DeliveryConfirmation
	if err := json.Unmarshal(payload, &conf); err != nil {
		slog.Error("bus: failed to unmarshal confirmation", "error", err)
		return
	}

	if s.pending.Resolve(conf.MessageID, conf.Delivered) {
		slog.Debug("bus: delivery confirmed", "messageId", conf.MessageID)
	}
}
