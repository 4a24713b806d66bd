package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/peerlink/signalhub/internal/delivery"
	"github.com/peerlink/signalhub/internal/protocol"
	"github.com/peerlink/signalhub/internal/router"
)

// TokenAuthority resolves opaque login tokens to user identities. Backed by
// the external authentication service's store.
type TokenAuthority interface {
	ResolveToken(ctx context.Context, tokenID uuid.UUID) (uuid.UUID, error)
	ResolveUserEmail(ctx context.Context, userID uuid.UUID) (string, error)
}

// ContactGraph answers which users the caller may discover.
type ContactGraph interface {
	AcceptedContactsOf(ctx context.Context, caller string) ([]string, error)
}

// Presence is the shared registry and bus the session publishes through.
type Presence interface {
	Put(ctx context.Context, email, deviceID string, desc protocol.DeviceDescriptor) error
	Evict(ctx context.Context, email, deviceID string) error
	ListDevices(ctx context.Context, email string) ([]protocol.DeviceDescriptor, error)
	PublishJoin(ctx context.Context, email, deviceID string) error
	PublishLeave(ctx context.Context, email, deviceID string) error
	PublishRouted(ctx context.Context, rm protocol.RoutedMessage) error
}

// State is the connection lifecycle phase.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateClosed
)

// Deps are the collaborators one session needs.
type Deps struct {
	Local          *router.LocalRouter
	Presence       Presence
	Tokens         TokenAuthority
	Contacts       ContactGraph
	Pending        *delivery.PendingTable
	ForwardTimeout time.Duration
}

// Session is the per-connection state machine. It owns the connection's
// outbound writer; the read loop feeds it one frame at a time, so no
// locking is needed on session fields.
type Session struct {
	deps     Deps
	socketID string
	writer   *router.Writer
	state    State
	email    string
	deviceID string
	log      *slog.Logger
}

// New creates a session for a freshly accepted connection.
func New(socketID string, w *router.Writer, deps Deps) *Session {
	return &Session{
		deps:     deps,
		socketID: socketID,
		writer:   w,
		state:    StateUnregistered,
		log:      slog.With("socketId", socketID),
	}
}

// SocketID returns the connection's identifier.
func (s *Session) SocketID() string { return s.socketID }

// State returns the current lifecycle phase.
func (s *Session) State() State { return s.state }

// HandleFrame processes one inbound frame. It returns false when the
// connection should close; the caller then runs Teardown.
func (s *Session) HandleFrame(ctx context.Context, messageType int, data []byte) bool {
	env, err := protocol.Decode(messageType, data)
	if err != nil {
		s.sendError(fmt.Sprintf("Failed to parse message: %v", err))
		return true
	}
	if err := env.Validate(); err != nil {
		s.sendError(err.Error())
		return true
	}

	switch s.state {
	case StateUnregistered:
		return s.handleUnregistered(ctx, env)
	case StateRegistered:
		return s.handleRegistered(ctx, env)
	default:
		return false
	}
}

func (s *Session) handleUnregistered(ctx context.Context, env *protocol.Envelope) bool {
	switch env.Event {
	case protocol.EventRegister:
		return s.handleRegister(ctx, env)
	case protocol.EventDisconnect:
		return false
	default:
		s.sendError(fmt.Sprintf("Cannot handle %s before register", env.Event))
		return true
	}
}

func (s *Session) handleRegistered(ctx context.Context, env *protocol.Envelope) bool {
	switch env.Event {
	case protocol.EventRegister:
		s.sendError("Already registered")
	case protocol.EventCheck:
		s.handleCheck(ctx)
	case protocol.EventConnect:
		s.send(protocol.ConnectAck{Event: "connected", Status: "ok"})
	case protocol.EventPing:
		s.send(protocol.PongResponse{Event: protocol.EventPong, Timestamp: time.Now().Unix()})
	case protocol.EventPong:
		s.log.Debug("session: pong received")
	case protocol.EventTryConnect, protocol.EventSDPOffer, protocol.EventSDPAnswer, protocol.EventICECandidate:
		s.handleForward(ctx, env)
	case protocol.EventDisconnect:
		return false
	default:
		s.sendError(fmt.Sprintf("Unknown event type: %s", env.Event))
	}
	return true
}

// handleRegister runs the authenticated registration handshake. Auth
// failures answer with a register error and close the socket.
func (s *Session) handleRegister(ctx context.Context, env *protocol.Envelope) bool {
	tokenID, err := uuid.Parse(env.FromToken)
	if err != nil {
		s.sendRegisterError("Invalid token")
		return false
	}

	userID, err := s.deps.Tokens.ResolveToken(ctx, tokenID)
	if err != nil {
		s.log.Warn("session: token resolution failed", "error", err)
		s.sendRegisterError("Invalid or expired token")
		return false
	}

	email, err := s.deps.Tokens.ResolveUserEmail(ctx, userID)
	if err != nil {
		s.log.Warn("session: user resolution failed", "userId", userID.String(), "error", err)
		s.sendRegisterError("Invalid or expired token")
		return false
	}

	if email != env.FromEmail {
		s.sendRegisterError("Email does not match token")
		return false
	}

	var payload protocol.RegisterPayload
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &payload)
	}
	desc := protocol.DeviceDescriptor{
		SocketID:   s.socketID,
		DeviceID:   env.FromDevice,
		DeviceName: payload.DeviceName,
		DeviceType: payload.DeviceType,
	}

	// Registry write first (it overwrites any prior entry for the pair);
	// failure degrades this registration to local-only routing.
	if err := s.deps.Presence.Put(ctx, email, env.FromDevice, desc); err != nil {
		s.log.Warn("session: presence write failed, continuing local-only",
			"email", email,
			"deviceId", env.FromDevice,
			"error", err,
		)
	}

	// The router evicts any prior binding for the pair under the same write
	// lock that installs the new one. The evicted writer is dropped; its
	// session observes the closed writer and tears itself down.
	if evicted := s.deps.Local.Bind(desc, email, s.writer); evicted != nil {
		s.log.Info("session: evicted prior socket for device",
			"email", email,
			"deviceId", env.FromDevice,
		)
		evicted.Close()
	}

	if err := s.deps.Presence.PublishJoin(ctx, email, env.FromDevice); err != nil {
		s.log.Warn("session: join broadcast failed", "error", err)
	}

	s.email = email
	s.deviceID = env.FromDevice
	s.state = StateRegistered

	s.send(protocol.RegisterResponse{
		Event:    protocol.EventRegister,
		Status:   "ok",
		SocketID: s.socketID,
	})
	s.log.Info("session: registered", "email", email, "deviceId", env.FromDevice)
	return true
}

// handleCheck answers presence discovery: each accepted contact with at
// least one online device, one entry per contact.
func (s *Session) handleCheck(ctx context.Context) {
	contacts, err := s.deps.Contacts.AcceptedContactsOf(ctx, s.email)
	if err != nil {
		s.log.Warn("session: contact lookup failed", "error", err)
		s.send([]protocol.UserDevices{})
		return
	}

	out := make([]protocol.UserDevices, 0, len(contacts))
	seenUsers := make(map[string]bool, len(contacts))
	for _, email := range contacts {
		if seenUsers[email] {
			continue
		}
		seenUsers[email] = true

		devices, err := s.deps.Presence.ListDevices(ctx, email)
		if err != nil {
			// Registry unreachable: fall back to what this pod knows.
			devices = s.deps.Local.SnapshotDevices(email)
		}

		deduped := make([]protocol.DeviceDescriptor, 0, len(devices))
		seenDevices := make(map[string]bool, len(devices))
		for _, d := range devices {
			if seenDevices[d.DeviceID] {
				continue
			}
			seenDevices[d.DeviceID] = true
			deduped = append(deduped, d)
		}

		if len(deduped) > 0 {
			out = append(out, protocol.UserDevices{Email: email, Devices: deduped})
		}
	}

	s.send(out)
}

// handleForward routes a signaling envelope to its target device: locally
// when bound here, otherwise through the bus with delivery confirmation.
func (s *Session) handleForward(ctx context.Context, env *protocol.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		s.sendError(fmt.Sprintf("Failed to encode message: %v", err))
		return
	}

	if w, ok := s.deps.Local.Lookup(env.ToEmail, env.ToDevice); ok {
		// Local delivery is best-effort and silent: a full queue or a
		// closing socket drops the frame without notifying the sender.
		if err := w.TrySend(raw); err != nil {
			s.log.Debug("session: local forward dropped",
				"toEmail", env.ToEmail,
				"toDevice", env.ToDevice,
				"error", err,
			)
		}
		return
	}

	timestamp := time.Now().UnixMilli()
	messageID := protocol.MessageID(env, timestamp)
	confirm := s.deps.Pending.Add(messageID)
	defer s.deps.Pending.Remove(messageID)

	rm := protocol.RoutedMessage{
		TargetEmail:   env.ToEmail,
		TargetDevice:  env.ToDevice,
		SocketMessage: raw,
		Timestamp:     timestamp,
	}
	if err := s.deps.Presence.PublishRouted(ctx, rm); err != nil {
		s.log.Error("session: routed publish failed", "error", err)
		s.sendForwardError("error", "Failed to route message - Redis unavailable", env)
		return
	}

	timer := time.NewTimer(s.deps.ForwardTimeout)
	defer timer.Stop()

	select {
	case delivered := <-confirm:
		if delivered {
			return
		}
	case <-timer.C:
	case <-ctx.Done():
		// Socket closed while waiting; nothing to report to anyone.
		return
	}

	s.sendForwardError(
		"target_not_found",
		fmt.Sprintf("User %s with device %s is not online", env.ToEmail, env.ToDevice),
		env,
	)
}

// Teardown releases everything the session holds. Run exactly once, after
// the read loop exits, regardless of why the loop exited (disconnect event,
// socket error, or eviction). A session that was evicted by a newer
// registration for the same device leaves the successor's binding and
// presence intact.
func (s *Session) Teardown(ctx context.Context) {
	if s.email != "" {
		_, _, wasCurrent := s.deps.Local.Unbind(s.socketID)
		if wasCurrent {
			if err := s.deps.Presence.Evict(ctx, s.email, s.deviceID); err != nil {
				s.log.Warn("session: presence evict failed", "error", err)
			} else if err := s.deps.Presence.PublishLeave(ctx, s.email, s.deviceID); err != nil {
				s.log.Warn("session: leave broadcast failed", "error", err)
			}
		}
		s.log.Info("session: closed", "email", s.email, "deviceId", s.deviceID)
	}
	s.state = StateClosed
}

func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("session: failed to marshal response", "error", err)
		return
	}
	if err := s.writer.TrySend(data); err != nil {
		if errors.Is(err, router.ErrQueueFull) {
			s.log.Warn("session: outbound queue full, response dropped")
		}
	}
}

func (s *Session) sendError(msg string) {
	s.send(protocol.ErrorResponse{Event: "error", Error: msg})
}

func (s *Session) sendRegisterError(msg string) {
	s.send(protocol.RegisterResponse{Event: protocol.EventRegister, Status: "error", Error: msg})
}

func (s *Session) sendForwardError(event, msg string, env *protocol.Envelope) {
	s.send(protocol.ErrorResponse{
		Event:        event,
		Error:        msg,
		TargetEmail:  &env.ToEmail,
		TargetDevice: &env.ToDevice,
	})
}
