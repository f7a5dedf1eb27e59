package eventsink

import (
	"context"

	"go.uber.org/zap"
)

// Capacity is the bounded channel's fixed size, matching the spec's MPSC
// sizing.
const Capacity = 10000

// Writer persists one event to a durable destination. A Writer is owned
// exclusively by the sink's drain loop; it is never called concurrently.
type Writer interface {
	Write(Event) error
	Flush() error
	Close() error
}

// Sink is a bounded MPSC fan-out: producers call Publish without blocking,
// a single drain loop dispatches each event to every configured writer.
type Sink struct {
	log     *zap.Logger
	events  chan Event
	writers []Writer
}

// New creates a Sink dispatching to writers. A nil or empty writers slice is
// valid; the sink then simply drains and discards.
func New(log *zap.Logger, writers []Writer) *Sink {
	return &Sink{
		log:     log.Named("eventsink"),
		events:  make(chan Event, Capacity),
		writers: writers,
	}
}

// Publish enqueues an event without blocking. If the channel is full the
// event is dropped and logged, since the sink must never block producers.
func (s *Sink) Publish(e Event) {
	select {
	case s.events <- e:
	default:
		s.log.Warn("event sink queue full, dropping event")
	}
}

// Run drains the channel until ctx is cancelled, then performs a final
// non-blocking drain before flushing and closing every writer.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.drainNonBlocking()
			s.shutdownWriters()
			return
		case e := <-s.events:
			s.dispatch(e)
		}
	}
}

func (s *Sink) drainNonBlocking() {
	for {
		select {
		case e := <-s.events:
			s.dispatch(e)
		default:
			return
		}
	}
}

func (s *Sink) dispatch(e Event) {
	for _, w := range s.writers {
		if err := w.Write(e); err != nil {
			s.log.Warn("event writer failed, dropping event for this writer", zap.Error(err))
		}
	}
}

func (s *Sink) shutdownWriters() {
	for _, w := range s.writers {
		if err := w.Flush(); err != nil {
			s.log.Warn("flushing event writer", zap.Error(err))
		}
		if err := w.Close(); err != nil {
			s.log.Warn("closing event writer", zap.Error(err))
		}
	}
}
