package eventsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type recordingWriter struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (w *recordingWriter) Write(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
	return nil
}

func (w *recordingWriter) Flush() error { return nil }

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *recordingWriter) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func TestSinkDispatchesToAllWriters(t *testing.T) {
	w1 := &recordingWriter{}
	w2 := &recordingWriter{}
	s := New(zap.NewNop(), []Writer{w1, w2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Publish(NewShareEvent(ShareEvent{Address: "addr", WorkerName: "rig1", Accepted: true}))

	deadline := time.After(time.Second)
	for w1.len() < 1 || w2.len() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for dispatch")
		default:
		}
	}

	cancel()
	<-done

	if !w1.closed || !w2.closed {
		t.Fatal("expected both writers closed on shutdown")
	}
}

func TestSinkDropsOnFullQueue(t *testing.T) {
	s := New(zap.NewNop(), nil)
	for i := 0; i < Capacity+10; i++ {
		s.Publish(NewShareEvent(ShareEvent{}))
	}
	// Publish must never block regardless of queue depth; reaching this
	// point at all is the assertion.
}
