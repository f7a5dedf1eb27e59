package jobsource

import "sync"

// Broadcaster publishes successive Workbase values to any number of
// readers, each of which always observes the most recent value; readers
// that aren't watching when an update lands simply see it on their next
// Wait call instead of queuing every intermediate version.
type Broadcaster struct {
	mu      sync.Mutex
	current *Workbase
	waiters []chan struct{}
}

// NewBroadcaster creates an empty broadcaster; Current returns nil until
// the first Publish.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Publish stores wb as the latest Workbase and wakes every waiter.
func (b *Broadcaster) Publish(wb *Workbase) {
	b.mu.Lock()
	b.current = wb
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// Current returns the latest published Workbase, or nil if none yet.
func (b *Broadcaster) Current() *Workbase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Watch returns a channel that closes the next time Publish is called.
// Callers re-invoke Watch after it fires to keep waiting for further
// updates.
func (b *Broadcaster) Watch() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	return ch
}
