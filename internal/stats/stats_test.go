package stats

import (
	"testing"
	"time"

	"github.com/viddhana/pool/internal/eventsink"
)

func TestAggregatorTracksAcceptAndRejectCounts(t *testing.T) {
	a := NewAggregator()

	a.Write(eventsink.NewShareEvent(eventsink.ShareEvent{WorkerName: "rig1", Accepted: true, ShareDiff: 1}))
	a.Write(eventsink.NewShareEvent(eventsink.ShareEvent{WorkerName: "rig1", Accepted: true, ShareDiff: 1}))
	a.Write(eventsink.NewShareEvent(eventsink.ShareEvent{WorkerName: "rig1", Accepted: false, RejectReason: "Low difficulty share"}))
	a.Write(eventsink.NewShareEvent(eventsink.ShareEvent{WorkerName: "rig1", Accepted: false, RejectReason: "Stale job"}))

	valid, invalid, stale, _ := a.WorkerStats("rig1")
	if valid != 2 {
		t.Fatalf("expected 2 valid shares, got %d", valid)
	}
	if invalid != 1 {
		t.Fatalf("expected 1 invalid share, got %d", invalid)
	}
	if stale != 1 {
		t.Fatalf("expected 1 stale share, got %d", stale)
	}

	if a.Count() != 1 {
		t.Fatalf("expected 1 distinct worker, got %d", a.Count())
	}
}

func TestAggregatorIgnoresBlockEventsAndEmptyWorkerName(t *testing.T) {
	a := NewAggregator()

	a.Write(eventsink.NewBlockFoundEvent(eventsink.BlockFoundEvent{WorkerName: "rig1"}))
	a.Write(eventsink.NewShareEvent(eventsink.ShareEvent{Accepted: true}))

	if a.Count() != 0 {
		t.Fatalf("expected no workers tracked, got %d", a.Count())
	}
}

func TestAggregatorHashrateDerivedFromAcceptGap(t *testing.T) {
	a := NewAggregator()
	now := time.Now()

	a.Write(eventsink.NewShareEvent(eventsink.ShareEvent{WorkerName: "rig1", Accepted: true, ShareDiff: 1, Timestamp: now}))
	a.Write(eventsink.NewShareEvent(eventsink.ShareEvent{WorkerName: "rig1", Accepted: true, ShareDiff: 1, Timestamp: now.Add(time.Second)}))

	_, _, _, hashrate := a.WorkerStats("rig1")
	if hashrate <= 0 {
		t.Fatalf("expected a positive hashrate estimate after two accepts, got %v", hashrate)
	}
}

func TestPruneInactiveDropsStaleWorkers(t *testing.T) {
	a := NewAggregator()
	a.Write(eventsink.NewShareEvent(eventsink.ShareEvent{WorkerName: "rig1", Accepted: true, Timestamp: time.Now().Add(-time.Hour)}))

	dropped := a.PruneInactive(time.Now().Add(-time.Minute))
	if dropped != 1 {
		t.Fatalf("expected 1 dropped worker, got %d", dropped)
	}
	if a.Count() != 0 {
		t.Fatalf("expected aggregator empty after prune, got %d", a.Count())
	}
}
