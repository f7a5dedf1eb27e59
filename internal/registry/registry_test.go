package registry

import (
	"testing"
	"time"
)

func TestStoreAndTakeRoundTrips(t *testing.T) {
	r := New(time.Minute)
	r.Store(Snapshot{Enonce1: "aabbccdd", WorkerName: "rig1"})

	snap, ok := r.Take("aabbccdd")
	if !ok {
		t.Fatal("expected snapshot to be found")
	}
	if snap.WorkerName != "rig1" {
		t.Fatalf("unexpected worker name %q", snap.WorkerName)
	}

	if _, ok := r.Take("aabbccdd"); ok {
		t.Fatal("expected Take to remove the snapshot")
	}
}

func TestTakeExpiredSnapshotReportsNotFound(t *testing.T) {
	r := New(time.Millisecond)
	r.Store(Snapshot{Enonce1: "aabbccdd"})

	time.Sleep(5 * time.Millisecond)

	if _, ok := r.Take("aabbccdd"); ok {
		t.Fatal("expected expired snapshot to be reported as not found")
	}
}

func TestTakeUnknownKeyReportsNotFound(t *testing.T) {
	r := New(time.Minute)
	if _, ok := r.Take("deadbeef"); ok {
		t.Fatal("expected unknown key to report not found")
	}
}
