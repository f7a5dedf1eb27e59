// Package registry holds detached session snapshots, keyed by extranonce1,
// for resume after reconnect.
package registry

import (
	"sync"
	"time"
)

// Snapshot is the non-secret subset of session state preserved across a
// disconnect so a reconnecting miner can resume without a fresh allocation.
type Snapshot struct {
	Enonce1            string
	AuthorizedAddress  string
	WorkerName         string
	VersionMask        uint32
	Enonce2Size        int
	StoredAt           time.Time
}

type entry struct {
	snapshot Snapshot
	expires  time.Time
}

// Registry is a concurrent store of detached session snapshots keyed by
// extranonce1, with TTL-based eviction.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration

	lastCleanup   time.Time
	cleanupPeriod time.Duration
}

// New creates a Registry whose entries expire after ttl.
func New(ttl time.Duration) *Registry {
	return &Registry{
		entries:       make(map[string]entry),
		ttl:           ttl,
		cleanupPeriod: time.Minute,
	}
}

// Store records a snapshot for later resume, keyed by the session's enonce1.
func (r *Registry) Store(snapshot Snapshot) {
	snapshot.StoredAt = now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[snapshot.Enonce1] = entry{
		snapshot: snapshot,
		expires:  snapshot.StoredAt.Add(r.ttl),
	}
	r.maybeCleanupLocked()
}

// Take removes and returns the snapshot stored under enonce1, if present and
// not expired. The second return value reports whether a snapshot was found.
func (r *Registry) Take(enonce1 string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[enonce1]
	if !ok {
		return Snapshot{}, false
	}
	delete(r.entries, enonce1)
	if now().After(e.expires) {
		return Snapshot{}, false
	}
	return e.snapshot, true
}

// maybeCleanupLocked opportunistically evicts expired entries, throttled to
// run at most once per cleanupPeriod. Caller must hold r.mu.
func (r *Registry) maybeCleanupLocked() {
	n := now()
	if n.Sub(r.lastCleanup) < r.cleanupPeriod {
		return
	}
	r.lastCleanup = n
	for key, e := range r.entries {
		if n.After(e.expires) {
			delete(r.entries, key)
		}
	}
}

// Len reports the number of entries currently stored, including any not yet
// opportunistically evicted.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

var now = time.Now
