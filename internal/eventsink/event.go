// Package eventsink fans out accept/reject and block-found events from the
// share validator to a set of durable writers over a bounded channel.
package eventsink

import "time"

// Kind discriminates the Event union.
type Kind int

const (
	KindShare Kind = iota
	KindBlockFound
)

// ShareEvent records one validated submission's outcome.
type ShareEvent struct {
	Timestamp    time.Time
	Address      string
	WorkerName   string
	PoolDiff     float64
	ShareDiff    float64
	Accepted     bool
	BlockHeight  int64
	RejectReason string
	IPAddress    string
	JobID        string
}

// BlockFoundEvent records a share that also met the network target,
// regardless of what happened when it was submitted downstream.
type BlockFoundEvent struct {
	Timestamp     time.Time
	BlockHeight   int64
	BlockHash     string
	Address       string
	WorkerName    string
	Diff          float64
	CoinbaseValue int64
}

// Event is a tagged union of the two event kinds the sink accepts.
type Event struct {
	Kind  Kind
	Share ShareEvent
	Block BlockFoundEvent
}

// NewShareEvent wraps a ShareEvent as an Event.
func NewShareEvent(e ShareEvent) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return Event{Kind: KindShare, Share: e}
}

// NewBlockFoundEvent wraps a BlockFoundEvent as an Event.
func NewBlockFoundEvent(e BlockFoundEvent) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return Event{Kind: KindBlockFound, Block: e}
}
