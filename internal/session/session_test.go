package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerlink/signalhub/internal/delivery"
	"github.com/peerlink/signalhub/internal/logger"
	"github.com/peerlink/signalhub/internal/protocol"
	"github.com/peerlink/signalhub/internal/router"
)

type fakeTokens struct {
	tokens map[uuid.UUID]uuid.UUID
	emails map[uuid.UUID]string
}

func (f *fakeTokens) ResolveToken(_ context.Context, tokenID uuid.UUID) (uuid.UUID, error) {
	userID, ok := f.tokens[tokenID]
	if !ok {
		return uuid.Nil, errors.New("token not found")
	}
	return userID, nil
}

func (f *fakeTokens) ResolveUserEmail(_ context.Context, userID uuid.UUID) (string, error) {
	email, ok := f.emails[userID]
	if !ok {
		return "", errors.New("user not found")
	}
	return email, nil
}

type fakeContacts struct {
	contacts []string
	err      error
}

func (f *fakeContacts) AcceptedContactsOf(context.Context, string) ([]string, error) {
	return f.contacts, f.err
}

type fakePresence struct {
	entries   map[string]protocol.DeviceDescriptor
	putErr    error
	listErr   error
	routedErr error
	evicted   []string
	joins     []string
	leaves    []string
	routed    []protocol.RoutedMessage
	onRouted  func(protocol.RoutedMessage)
}

func newFakePresence() *fakePresence {
	return &fakePresence{entries: make(map[string]protocol.DeviceDescriptor)}
}

func pairKey(email, deviceID string) string { return email + "|" + deviceID }

func (f *fakePresence) Put(_ context.Context, email, deviceID string, desc protocol.DeviceDescriptor) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.entries[pairKey(email, deviceID)] = desc
	return nil
}

func (f *fakePresence) Evict(_ context.Context, email, deviceID string) error {
	delete(f.entries, pairKey(email, deviceID))
	f.evicted = append(f.evicted, pairKey(email, deviceID))
	return nil
}

func (f *fakePresence) ListDevices(_ context.Context, email string) ([]protocol.DeviceDescriptor, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []protocol.DeviceDescriptor
	for key, desc := range f.entries {
		if strings.HasPrefix(key, email+"|") {
			out = append(out, desc)
		}
	}
	return out, nil
}

func (f *fakePresence) PublishJoin(_ context.Context, email, deviceID string) error {
	f.joins = append(f.joins, pairKey(email, deviceID))
	return nil
}

func (f *fakePresence) PublishLeave(_ context.Context, email, deviceID string) error {
	f.leaves = append(f.leaves, pairKey(email, deviceID))
	return nil
}

func (f *fakePresence) PublishRouted(_ context.Context, rm protocol.RoutedMessage) error {
	if f.routedErr != nil {
		return f.routedErr
	}
	f.routed = append(f.routed, rm)
	if f.onRouted != nil {
		f.onRouted(rm)
	}
	return nil
}

// harness bundles one pod's shared state plus a connected session.
type harness struct {
	local    *router.LocalRouter
	presence *fakePresence
	tokens   *fakeTokens
	contacts *fakeContacts
	pending  *delivery.PendingTable
	timeout  time.Duration
}

func newHarness() *harness {
	userID := uuid.New()
	return &harness{
		local:    router.NewLocalRouter(),
		presence: newFakePresence(),
		tokens: &fakeTokens{
			tokens: map[uuid.UUID]uuid.UUID{testToken: userID},
			emails: map[uuid.UUID]string{userID: "u@x"},
		},
		contacts: &fakeContacts{},
		pending:  delivery.NewPendingTable(),
		timeout:  50 * time.Millisecond,
	}
}

var testToken = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func (h *harness) newSession(socketID string) (*Session, *router.Writer) {
	w := router.NewWriter(8)
	s := New(socketID, w, Deps{
		Local:          h.local,
		Presence:       h.presence,
		Tokens:         h.tokens,
		Contacts:       h.contacts,
		Pending:        h.pending,
		ForwardTimeout: h.timeout,
	})
	return s, w
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func registerFrame(email, device string) []byte {
	return []byte(fmt.Sprintf(
		`{"from_email":%q,"from_token":%q,"from_device":%q,"to_email":"","to_device":"","event":"register","payload":{"device_name":"laptop","device_type":"web"}}`,
		email, testToken, device,
	))
}

func nextFrame(t *testing.T, w *router.Writer) map[string]any {
	t.Helper()
	select {
	case data := <-w.Frames():
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	default:
		t.Fatal("expected a frame on the writer queue")
		return nil
	}
}

func assertNoFrame(t *testing.T, w *router.Writer) {
	t.Helper()
	select {
	case data := <-w.Frames():
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

func register(t *testing.T, s *Session, w *router.Writer, email, device string) {
	t.Helper()
	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, registerFrame(email, device)))
	resp := nextFrame(t, w)
	require.Equal(t, "ok", resp["status"])
	require.Equal(t, StateRegistered, s.State())
}

func TestHappyRegister(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")

	keep := s.HandleFrame(context.Background(), websocket.TextMessage, registerFrame("u@x", "d1"))
	assert.True(t, keep)

	resp := nextFrame(t, w)
	assert.Equal(t, "register", resp["event"])
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "s1", resp["socket_id"])

	// Registered everywhere: local router and presence registry.
	socketID, ok := h.local.SocketID("u@x", "d1")
	require.True(t, ok)
	assert.Equal(t, "s1", socketID)

	desc, ok := h.presence.entries["u@x|d1"]
	require.True(t, ok)
	assert.Equal(t, "s1", desc.SocketID)
	assert.Equal(t, "laptop", *desc.DeviceName)
	assert.Equal(t, "web", *desc.DeviceType)

	assert.Equal(t, []string{"u@x|d1"}, h.presence.joins)
}

func TestRegisterEmailMismatch(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")

	keep := s.HandleFrame(context.Background(), websocket.TextMessage, registerFrame("other@x", "d1"))
	assert.False(t, keep, "socket closes on auth failure")

	resp := nextFrame(t, w)
	assert.Equal(t, "register", resp["event"])
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Email does not match token", resp["error"])

	assert.Empty(t, h.presence.entries, "no presence write on mismatch")
	_, ok := h.local.SocketID("other@x", "d1")
	assert.False(t, ok)
}

func TestRegisterMalformedToken(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")

	raw := []byte(`{"from_email":"u@x","from_token":"not-a-uuid","from_device":"d1","event":"register"}`)
	assert.False(t, s.HandleFrame(context.Background(), websocket.TextMessage, raw))

	resp := nextFrame(t, w)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Invalid token", resp["error"])
}

func TestRegisterUnknownToken(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")

	raw := []byte(fmt.Sprintf(`{"from_email":"u@x","from_token":%q,"from_device":"d1","event":"register"}`, uuid.New()))
	assert.False(t, s.HandleFrame(context.Background(), websocket.TextMessage, raw))

	resp := nextFrame(t, w)
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "Invalid or expired token", resp["error"])
}

func TestRegisterDegradedWhenPresenceFails(t *testing.T) {
	h := newHarness()
	h.presence.putErr = errors.New("redis down")
	s, w := h.newSession("s1")

	assert.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, registerFrame("u@x", "d1")))

	resp := nextFrame(t, w)
	assert.Equal(t, "ok", resp["status"], "registration proceeds local-only")

	_, ok := h.local.SocketID("u@x", "d1")
	assert.True(t, ok)
}

func TestEventsBeforeRegisterAreRejected(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")

	keep := s.HandleFrame(context.Background(), websocket.TextMessage, frame(t, map[string]string{"event": "ping"}))
	assert.True(t, keep, "socket stays open")
	assert.Equal(t, StateUnregistered, s.State())

	resp := nextFrame(t, w)
	assert.Equal(t, "error", resp["event"])
	assert.Equal(t, "Cannot handle ping before register", resp["error"])
}

func TestDisconnectBeforeRegister(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")

	keep := s.HandleFrame(context.Background(), websocket.TextMessage, frame(t, map[string]string{"event": "disconnect"}))
	assert.False(t, keep)
	assertNoFrame(t, w)

	// Never registered: teardown has nothing to release.
	s.Teardown(context.Background())
	assert.Equal(t, StateClosed, s.State())
	assert.Empty(t, h.presence.evicted)
	assert.Empty(t, h.presence.leaves)
}

func TestSecondRegisterIsProtocolError(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	keep := s.HandleFrame(context.Background(), websocket.TextMessage, registerFrame("u@x", "d1"))
	assert.True(t, keep)

	resp := nextFrame(t, w)
	assert.Equal(t, "error", resp["event"])
	assert.Equal(t, "Already registered", resp["error"])
}

func TestMalformedFrame(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")

	assert.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, []byte(`{nope`)))

	resp := nextFrame(t, w)
	assert.Equal(t, "error", resp["event"])
	assert.Contains(t, resp["error"], "Failed to parse message")
}

func TestValidationError(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")

	raw := []byte(`{"event":"register","from_token":"t","from_device":"d1"}`)
	assert.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, raw))

	resp := nextFrame(t, w)
	assert.Equal(t, "from_email is required for register", resp["error"])
}

func TestPingPong(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	ping := frame(t, map[string]string{"event": "ping"})

	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, ping))
	first := nextFrame(t, w)
	assert.Equal(t, "pong", first["event"])

	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, ping))
	second := nextFrame(t, w)
	assert.Equal(t, "pong", second["event"])

	assert.GreaterOrEqual(t, second["timestamp"].(float64), first["timestamp"].(float64))
}

func TestConnectAck(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, frame(t, map[string]string{"event": "connect", "from_email": "u@x"})))

	resp := nextFrame(t, w)
	assert.Equal(t, "connected", resp["event"])
	assert.Equal(t, "ok", resp["status"])
}

func forwardFrame(toEmail, toDevice string) []byte {
	return []byte(fmt.Sprintf(
		`{"from_email":"u@x","from_token":"","from_device":"d1","to_email":%q,"to_device":%q,"event":"sdp_offer","payload":{"sdp":"v=0"}}`,
		toEmail, toDevice,
	))
}

func TestLocalForwardDeliveredOnce(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	peer := router.NewWriter(8)
	h.local.Bind(protocol.DeviceDescriptor{SocketID: "s2", DeviceID: "d2"}, "peer@x", peer)

	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, forwardFrame("peer@x", "d2")))

	// Delivered to the peer with the payload intact; the sender hears
	// nothing on success.
	delivered := nextFrame(t, peer)
	assert.Equal(t, "sdp_offer", delivered["event"])
	assert.Equal(t, "u@x", delivered["from_email"])
	payload, err := json.Marshal(delivered["payload"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(payload))

	assertNoFrame(t, peer)
	assertNoFrame(t, w)
	assert.Empty(t, h.presence.routed, "no bus publish for local delivery")
}

func TestForwardToOfflinePeerTimesOut(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	start := time.Now()
	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, forwardFrame("ghost@x", "d9")))
	assert.GreaterOrEqual(t, time.Since(start), h.timeout)

	require.Len(t, h.presence.routed, 1)
	assert.Equal(t, "ghost@x", h.presence.routed[0].TargetEmail)

	resp := nextFrame(t, w)
	assert.Equal(t, "target_not_found", resp["event"])
	assert.Equal(t, "User ghost@x with device d9 is not online", resp["error"])
	assert.Equal(t, "ghost@x", resp["target_email"])
	assert.Equal(t, "d9", resp["target_device"])

	// Exactly one error, and the pending entry is gone.
	assertNoFrame(t, w)
	assert.Equal(t, 0, h.pending.Len())
}

func TestForwardConfirmedStaysSilent(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	// Another pod confirms as soon as the routed message is published.
	h.presence.onRouted = func(rm protocol.RoutedMessage) {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(rm.SocketMessage, &env))
		h.pending.Resolve(protocol.MessageID(&env, rm.Timestamp), true)
	}

	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, forwardFrame("peer@x", "d2")))

	assertNoFrame(t, w)
	assert.Equal(t, 0, h.pending.Len())
}

func TestForwardPublishFailure(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	h.presence.routedErr = errors.New("connection refused")

	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, forwardFrame("peer@x", "d2")))

	resp := nextFrame(t, w)
	assert.Equal(t, "error", resp["event"])
	assert.Equal(t, "Failed to route message - Redis unavailable", resp["error"])
	assert.Equal(t, 0, h.pending.Len())
}

func TestDeviceReconnectionEvictsPriorSocket(t *testing.T) {
	h := newHarness()

	s1, w1 := h.newSession("s1")
	register(t, s1, w1, "u@x", "d1")

	s2, w2 := h.newSession("s2")
	register(t, s2, w2, "u@x", "d1")

	// The first socket's writer was dropped.
	assert.ErrorIs(t, w1.TrySend([]byte(`{}`)), router.ErrWriterClosed)

	// Only the new socket is visible.
	socketID, ok := h.local.SocketID("u@x", "d1")
	require.True(t, ok)
	assert.Equal(t, "s2", socketID)
	assert.Equal(t, "s2", h.presence.entries["u@x|d1"].SocketID)

	// The evicted session's late teardown must not disturb the successor.
	s1.Teardown(context.Background())
	assert.Empty(t, h.presence.evicted)
	socketID, ok = h.local.SocketID("u@x", "d1")
	require.True(t, ok)
	assert.Equal(t, "s2", socketID)
}

func TestDisconnectTeardown(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	keep := s.HandleFrame(context.Background(), websocket.TextMessage, frame(t, map[string]string{"event": "disconnect"}))
	assert.False(t, keep)

	s.Teardown(context.Background())
	assert.Equal(t, StateClosed, s.State())

	_, ok := h.local.SocketID("u@x", "d1")
	assert.False(t, ok)
	assert.False(t, h.local.Has("s1"))
	assert.Empty(t, h.presence.entries)
	assert.Equal(t, []string{"u@x|d1"}, h.presence.evicted)
	assert.Equal(t, []string{"u@x|d1"}, h.presence.leaves)
}

func TestSocketErrorTeardown(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	// Read loop died without a disconnect event; cleanup is identical.
	s.Teardown(context.Background())
	assert.Equal(t, StateClosed, s.State())

	assert.False(t, h.local.Has("s1"))
	assert.Empty(t, h.presence.entries)
	assert.Equal(t, []string{"u@x|d1"}, h.presence.leaves)
}

func TestTeardownLogsSessionIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger.SetupWithWriter(logger.Config{Level: "info", Format: "txt"}, &buf)
	defer logger.Setup(logger.LoadConfig())

	h := newHarness()
	s1, w1 := h.newSession("s1")
	register(t, s1, w1, "u@x", "d1")

	s2, w2 := h.newSession("s2")
	register(t, s2, w2, "u@x", "d1")

	// The evicted session still reports who it belonged to.
	buf.Reset()
	s1.Teardown(context.Background())
	out := buf.String()
	assert.Contains(t, out, "email=u@x")
	assert.Contains(t, out, "deviceId=d1")
}

func TestCheckListsOnlineContacts(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	// a@x twice: the response still carries one entry per contact.
	h.contacts.contacts = []string{"a@x", "b@x", "a@x"}
	name := "phone"
	h.presence.entries["a@x|d1"] = protocol.DeviceDescriptor{SocketID: "s7", DeviceID: "d1"}
	h.presence.entries["a@x|d2"] = protocol.DeviceDescriptor{SocketID: "s8", DeviceID: "d2", DeviceName: &name}

	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, frame(t, map[string]string{"event": "check", "from_email": "u@x"})))

	var users []protocol.UserDevices
	select {
	case data := <-w.Frames():
		require.NoError(t, json.Unmarshal(data, &users))
	default:
		t.Fatal("expected check response")
	}

	require.Len(t, users, 1, "offline contact b@x is omitted")
	assert.Equal(t, "a@x", users[0].Email)
	require.Len(t, users[0].Devices, 2)
	ids := []string{users[0].Devices[0].DeviceID, users[0].Devices[1].DeviceID}
	assert.ElementsMatch(t, []string{"d1", "d2"}, ids)
}

func TestCheckFallsBackToLocalSnapshot(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	h.contacts.contacts = []string{"a@x"}
	h.presence.listErr = errors.New("redis down")
	h.local.Bind(protocol.DeviceDescriptor{SocketID: "s7", DeviceID: "d3"}, "a@x", router.NewWriter(8))

	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, frame(t, map[string]string{"event": "check", "from_email": "u@x"})))

	var users []protocol.UserDevices
	select {
	case data := <-w.Frames():
		require.NoError(t, json.Unmarshal(data, &users))
	default:
		t.Fatal("expected check response")
	}

	require.Len(t, users, 1)
	assert.Equal(t, "d3", users[0].Devices[0].DeviceID)
}

func TestCheckContactLookupFailure(t *testing.T) {
	h := newHarness()
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	h.contacts.err = errors.New("store down")

	require.True(t, s.HandleFrame(context.Background(), websocket.TextMessage, frame(t, map[string]string{"event": "check", "from_email": "u@x"})))

	select {
	case data := <-w.Frames():
		assert.JSONEq(t, `[]`, string(data))
	default:
		t.Fatal("expected empty check response")
	}
}

func TestForwardCancelledBySocketClose(t *testing.T) {
	h := newHarness()
	h.timeout = time.Second
	s, w := h.newSession("s1")
	register(t, s, w, "u@x", "d1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.True(t, s.HandleFrame(ctx, websocket.TextMessage, forwardFrame("ghost@x", "d9")))

	// Cancelled wait: no error frame, no leaked pending entry.
	assertNoFrame(t, w)
	assert.Equal(t, 0, h.pending.Len())
}
