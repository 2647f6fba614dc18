package loom

import (
	"testing"
	"time"
)

func TestWireFanOutOrder(t *testing.T) {
	w := NewWire(16)
	a := w.Subscribe()
	b := w.Subscribe()
	for i := 0; i < 5; i++ {
		w.Write(Event{Type: EventStepDelta, StepID: string(rune('a' + i))})
	}
	w.Close()
	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		i := 0
		for ev := range sub.C {
			if want := string(rune('a' + i)); ev.StepID != want {
				t.Errorf("sub %s event %d = %q, want %q", name, i, ev.StepID, want)
			}
			i++
		}
		if i != 5 {
			t.Errorf("sub %s got %d events, want 5", name, i)
		}
	}
}

func TestWireWriteAfterClose(t *testing.T) {
	w := NewWire(4)
	sub := w.Subscribe()
	w.Close()
	w.Close() // idempotent
	if w.Write(Event{Type: EventError}) {
		t.Error("Write after Close should return false")
	}
	if _, open := <-sub.C; open {
		t.Error("subscriber channel should be closed")
	}
}

func TestWireSubscribeAfterClose(t *testing.T) {
	w := NewWire(4)
	w.Close()
	sub := w.Subscribe()
	if _, open := <-sub.C; open {
		t.Error("late subscription channel should already be closed")
	}
}

func TestWireCancelUnblocksProducer(t *testing.T) {
	w := NewWire(1)
	sub := w.Subscribe()
	w.Write(Event{Type: EventStepDelta}) // fills the buffer

	wrote := make(chan struct{})
	go func() {
		w.Write(Event{Type: EventStepDelta}) // blocks until cancel
		close(wrote)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-wrote:
		t.Fatal("second write should block on the full buffer")
	default:
	}

	sub.Cancel()
	select {
	case <-wrote:
	case <-time.After(time.Second):
		t.Fatal("Cancel did not unblock the producer")
	}
	sub.Cancel() // safe to repeat

	// The wire keeps working for remaining subscribers.
	other := w.Subscribe()
	w.Write(Event{Type: EventRunCompleted})
	w.Close()
	ev, open := <-other.C
	if !open || ev.Type != EventRunCompleted {
		t.Errorf("surviving subscriber got %v open=%v", ev, open)
	}
}

func TestWireBackpressureDelivers(t *testing.T) {
	w := NewWire(1)
	sub := w.Subscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			w.Write(Event{Type: EventStepDelta, Depth: i})
		}
		w.Close()
		close(done)
	}()
	var got int
	for ev := range sub.C {
		if ev.Depth != got {
			t.Errorf("event %d has depth %d", got, ev.Depth)
		}
		got++
	}
	<-done
	if got != 10 {
		t.Errorf("received %d events, want 10", got)
	}
}
