package delivery

import (
	"sync"

	"go.uber.org/fx"
)

// Module is the fx module for the pending-delivery table.
var Module = fx.Module("delivery",
	fx.Provide(NewPendingTable),
)

// PendingTable tracks cross-pod forwards awaiting a delivery confirmation.
// The forwarding session adds an entry before publishing and removes it when
// the confirmation arrives, the deadline expires, or the socket closes.
type PendingTable struct {
	mu      sync.Mutex
	waiting map[string]chan bool
}

// NewPendingTable creates an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{waiting: make(map[string]chan bool)}
}

// Add registers a message awaiting confirmation and returns the channel the
// confirmation will land on.
func (t *PendingTable) Add(messageID string) <-chan bool {
	ch := make(chan bool, 1)
	t.mu.Lock()
	t.waiting[messageID] = ch
	t.mu.Unlock()
	return ch
}

// Resolve delivers a confirmation to the waiter, if one is still registered.
// The entry is consumed, so a duplicate confirmation is a no-op.
func (t *PendingTable) Resolve(messageID string, delivered bool) bool {
	t.mu.Lock()
	ch, ok := t.waiting[messageID]
	if ok {
		delete(t.waiting, messageID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- delivered
	return true
}

// Remove drops an entry without resolving it (timeout, publish failure, or
// socket closed while waiting).
func (t *PendingTable) Remove(messageID string) {
	t.mu.Lock()
	delete(t.waiting, messageID)
	t.mu.Unlock()
}

// Len reports how many forwards are in flight.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiting)
}
