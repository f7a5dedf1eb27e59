// Package stats tracks per-worker share counters and a decaying hashrate
// estimate, fed from the same event stream that eventsink persists.
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/viddhana/pool/internal/eventsink"
)

var (
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_workers",
		Help: "Number of workers seen within the activity window",
	})

	workerHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_worker_hashrate",
		Help: "Estimated hashrate per worker",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerHashrate)
}

// Worker holds the running counters for one worker name. WorkerName, not
// address, is the key: a single address can run many rigs.
type Worker struct {
	mu sync.RWMutex

	Name           string
	ValidShares    int64
	InvalidShares  int64
	StaleShares    int64
	LastShareTime  time.Time
	FirstSeenAt    time.Time
	LastActivityAt time.Time
	Hashrate       float64

	// lastAccept and avgGap hold the previous accepted-share time and an
	// exponentially decayed average share interval for the hashrate estimate.
	lastAccept time.Time
	avgGap     time.Duration
}

func newWorker(name string) *Worker {
	now := time.Now()
	return &Worker{Name: name, FirstSeenAt: now, LastActivityAt: now}
}

func (w *Worker) snapshot() (valid, invalid, stale int64, hashrate float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ValidShares, w.InvalidShares, w.StaleShares, w.Hashrate
}

// recordAccept updates the running average share gap and re-derives the
// hashrate estimate from it. Bitcoin's PoW means difficulty 1 corresponds to
// 2^32 expected hashes, so hashrate = diff * 2^32 / avg_seconds_between_shares.
func (w *Worker) recordAccept(now time.Time, diff float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ValidShares++
	w.LastShareTime = now
	w.LastActivityAt = now

	if !w.lastAccept.IsZero() {
		gap := now.Sub(w.lastAccept)
		if w.avgGap == 0 {
			w.avgGap = gap
		} else {
			// Exponential decay: recent gaps dominate the estimate without
			// letting a single share cause wild swings.
			const alpha = 0.2
			w.avgGap = time.Duration(float64(w.avgGap)*(1-alpha) + float64(gap)*alpha)
		}
	}
	w.lastAccept = now

	if w.avgGap > 0 {
		w.Hashrate = diff * 4294967296.0 / w.avgGap.Seconds()
		workerHashrate.WithLabelValues(w.Name).Set(w.Hashrate)
	}
}

func (w *Worker) recordReject(now time.Time, stale bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.LastActivityAt = now
	if stale {
		w.StaleShares++
	} else {
		w.InvalidShares++
	}
}

// Recorder is the narrow contract a share/hashrate collaborator exposes.
// validator and bouncer stay pure/stateless and never call a Recorder
// directly; Aggregator implements it and is driven instead through the
// eventsink pipeline (see Write below) so recording never sits on a
// session's hot path. The interface exists so a future direct consumer
// (e.g. an admin API, explicitly out of scope here) has a stable type to
// depend on without reaching into Aggregator's internals.
type Recorder interface {
	WorkerStats(name string) (valid, invalid, stale int64, hashrate float64)
}

// Aggregator tracks per-worker counters and hashrate, consuming the same
// ShareEvent stream eventsink.Sink dispatches to its durable writers. It
// implements eventsink.Writer so it can be registered as one more sink
// alongside the CSV/JSONL/Postgres writers, and Recorder for read access.
type Aggregator struct {
	workers sync.Map // name -> *Worker
}

var _ Recorder = (*Aggregator)(nil)

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) getOrCreate(name string) *Worker {
	if w, ok := a.workers.Load(name); ok {
		return w.(*Worker)
	}
	w := newWorker(name)
	actual, loaded := a.workers.LoadOrStore(name, w)
	if !loaded {
		activeWorkers.Inc()
	}
	return actual.(*Worker)
}

// Write implements eventsink.Writer. It only reacts to share events; block
// events carry no per-worker counters worth tracking here.
func (a *Aggregator) Write(e eventsink.Event) error {
	if e.Kind != eventsink.KindShare {
		return nil
	}
	s := e.Share
	if s.WorkerName == "" {
		return nil
	}
	w := a.getOrCreate(s.WorkerName)
	if s.Accepted {
		w.recordAccept(s.Timestamp, s.ShareDiff)
	} else {
		w.recordReject(s.Timestamp, s.RejectReason == "Stale job" || s.RejectReason == "Job not found")
	}
	return nil
}

// Flush is a no-op; the aggregator holds no buffered state to flush.
func (a *Aggregator) Flush() error { return nil }

// Close is a no-op; the aggregator owns no external resource.
func (a *Aggregator) Close() error { return nil }

// WorkerStats returns the counters for a worker, or all-zero if unseen.
func (a *Aggregator) WorkerStats(name string) (valid, invalid, stale int64, hashrate float64) {
	w, ok := a.workers.Load(name)
	if !ok {
		return
	}
	return w.(*Worker).snapshot()
}

// Count returns the number of distinct workers the aggregator has seen.
func (a *Aggregator) Count() int {
	n := 0
	a.workers.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Forget drops a worker's counters, e.g. once its session has been idle long
// enough that it is no longer worth reporting.
func (a *Aggregator) Forget(name string) {
	if _, ok := a.workers.LoadAndDelete(name); ok {
		activeWorkers.Dec()
		workerHashrate.DeleteLabelValues(name)
	}
}

// PruneInactive removes workers whose last activity predates cutoff and
// returns how many were dropped. Callers run this on a ticker.
func (a *Aggregator) PruneInactive(cutoff time.Time) int {
	dropped := 0
	a.workers.Range(func(key, value interface{}) bool {
		w := value.(*Worker)
		w.mu.RLock()
		last := w.LastActivityAt
		w.mu.RUnlock()
		if last.Before(cutoff) {
			a.Forget(key.(string))
			dropped++
		}
		return true
	})
	return dropped
}
