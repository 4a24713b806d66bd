package router

import (
	"sync"

	"github.com/peerlink/signalhub/internal/protocol"
)

// binding is everything the pod knows about one locally connected device.
type binding struct {
	writer     *Writer
	email      string
	deviceID   string
	descriptor protocol.DeviceDescriptor
}

// LocalRouter holds this pod's socket bindings: socketID to writer and
// email/device to socketID. Every mutation updates both indexes under a
// single write-lock acquisition, so a device is never observable in one
// index but not the other.
type LocalRouter struct {
	mu       sync.RWMutex
	bySocket map[string]*binding
	byUser   map[string]map[string]string // email -> deviceID -> socketID
}

// NewLocalRouter creates an empty router.
func NewLocalRouter() *LocalRouter {
	return &LocalRouter{
		bySocket: make(map[string]*binding),
		byUser:   make(map[string]map[string]string),
	}
}

// Bind registers a writer for (email, deviceID). If the pair is already
// bound, the prior binding is removed first and its writer returned so the
// caller can drop it; the old and new state are never visible together.
func (r *LocalRouter) Bind(desc protocol.DeviceDescriptor, email string, w *Writer) *Writer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted *Writer
	if devices, ok := r.byUser[email]; ok {
		if oldSocketID, ok := devices[desc.DeviceID]; ok {
			if old, ok := r.bySocket[oldSocketID]; ok {
				evicted = old.writer
				delete(r.bySocket, oldSocketID)
			}
		}
	}

	if r.byUser[email] == nil {
		r.byUser[email] = make(map[string]string)
	}
	r.byUser[email][desc.DeviceID] = desc.SocketID
	r.bySocket[desc.SocketID] = &binding{
		writer:     w,
		email:      email,
		deviceID:   desc.DeviceID,
		descriptor: desc,
	}

	return evicted
}

// Lookup returns the writer for a locally bound device.
func (r *LocalRouter) Lookup(email, deviceID string) (*Writer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices, ok := r.byUser[email]
	if !ok {
		return nil, false
	}
	socketID, ok := devices[deviceID]
	if !ok {
		return nil, false
	}
	b, ok := r.bySocket[socketID]
	if !ok {
		return nil, false
	}
	return b.writer, true
}

// SocketID returns the socket currently bound to (email, deviceID).
func (r *LocalRouter) SocketID(email, deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices, ok := r.byUser[email]
	if !ok {
		return "", false
	}
	socketID, ok := devices[deviceID]
	return socketID, ok
}

// Unbind removes a socket's rows. The user index entry is only removed while
// it still points at this socket, so a session evicted by a re-registration
// cannot tear down its successor's binding. Returns the identity the socket
// was bound to and whether it was still the current binding.
func (r *LocalRouter) Unbind(socketID string) (email, deviceID string, wasCurrent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bySocket[socketID]
	if !ok {
		return "", "", false
	}
	delete(r.bySocket, socketID)

	if devices, ok := r.byUser[b.email]; ok {
		if devices[b.deviceID] == socketID {
			wasCurrent = true
			delete(devices, b.deviceID)
			if len(devices) == 0 {
				delete(r.byUser, b.email)
			}
		}
	}

	return b.email, b.deviceID, wasCurrent
}

// SnapshotDevices returns the descriptors of a user's locally bound devices.
// Used by presence discovery when the registry is unreachable.
func (r *LocalRouter) SnapshotDevices(email string) []protocol.DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices, ok := r.byUser[email]
	if !ok {
		return nil
	}
	out := make([]protocol.DeviceDescriptor, 0, len(devices))
	for _, socketID := range devices {
		if b, ok := r.bySocket[socketID]; ok {
			out = append(out, b.descriptor)
		}
	}
	return out
}

// Has reports whether the socket is still bound.
func (r *LocalRouter) Has(socketID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.bySocket[socketID]
	return ok
}
