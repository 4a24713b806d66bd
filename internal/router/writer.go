package router

import (
	"errors"
	"sync"
)

var (
	// ErrWriterClosed is returned when sending to a writer whose socket has
	// gone away (disconnect or eviction by a newer registration).
	ErrWriterClosed = errors.New("router: writer closed")
	// ErrQueueFull is returned when the recipient's outbound queue is full.
	// The frame is dropped; signaling is best-effort and a slow recipient
	// must not stall the sender.
	ErrQueueFull = errors.New("router: outbound queue full")
)

// Writer is the outbound half of a socket: a bounded frame queue consumed by
// the connection's write pump. Handles are safe for concurrent use and a
// failed send never tears anything down on its own.
type Writer struct {
	mu     sync.Mutex
	frames chan []byte
	closed bool
}

// NewWriter creates a writer with the given queue capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{frames: make(chan []byte, capacity)}
}

// TrySend enqueues a frame without blocking. Returns ErrQueueFull when the
// queue is full and ErrWriterClosed after Close.
func (w *Writer) TrySend(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.frames <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close shuts the queue. The write pump observes the closed channel, sends a
// close frame and exits. Safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	close(w.frames)
}

// Frames exposes the queue to the write pump.
func (w *Writer) Frames() <-chan []byte {
	return w.frames
}
