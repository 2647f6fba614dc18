package loom

import "sync"

// defaultWireBuffer is the per-subscriber channel buffer when no explicit
// buffer size is configured.
const defaultWireBuffer = 256

// Wire is the in-process fan-out event bus shared by a root run and all its
// nested runs. Producers call Write; each subscriber receives every event
// written after it subscribed, in write-completion order. A full subscriber
// buffer blocks producers (back-pressure) until the subscriber drains or
// cancels. Writes after Close are discarded; Close is idempotent.
type Wire struct {
	mu     sync.Mutex
	subs   []*Subscription
	buf    int
	closed bool
}

// NewWire creates a Wire with the given per-subscriber buffer size.
// buffer <= 0 selects the default.
func NewWire(buffer int) *Wire {
	if buffer <= 0 {
		buffer = defaultWireBuffer
	}
	return &Wire{buf: buffer}
}

// Subscription is one reader's attachment to a Wire. Events arrive on C
// until the Wire closes (C is then closed) or Cancel is called.
type Subscription struct {
	// C delivers events in write order.
	C <-chan Event

	w    *Wire
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Cancel detaches the subscription. Safe to call concurrently with writes
// and more than once. After Cancel, C is closed once the wire releases it.
func (s *Subscription) Cancel() {
	// Closing done first unblocks any producer currently parked on a full
	// buffer, which would otherwise hold the wire lock forever.
	s.once.Do(func() { close(s.done) })
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	for i, sub := range s.w.subs {
		if sub == s {
			s.w.subs = append(s.w.subs[:i], s.w.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Subscribe attaches a new reader. Subscribing after Close returns a
// subscription whose channel is already closed.
func (w *Wire) Subscribe() *Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := &Subscription{w: w, ch: make(chan Event, w.buf), done: make(chan struct{})}
	s.C = s.ch
	if w.closed {
		close(s.ch)
		return s
	}
	w.subs = append(w.subs, s)
	return s
}

// Write broadcasts ev to all active subscribers. The write lock serializes
// concurrent producers, so all subscribers observe the same inter-producer
// order. Returns false if the wire is already closed.
func (w *Wire) Write(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	for _, s := range w.subs {
		select {
		case s.ch <- ev:
		case <-s.done:
			// Subscriber cancelled mid-write; it will be unlinked by Cancel.
		}
	}
	return true
}

// Close ends the stream for all subscribers after buffered events are
// delivered. Idempotent.
func (w *Wire) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, s := range w.subs {
		close(s.ch)
	}
	w.subs = nil
}
