package jobsource

import "testing"

func TestBroadcasterPublishAndCurrent(t *testing.T) {
	b := NewBroadcaster()
	if b.Current() != nil {
		t.Fatal("expected nil before any publish")
	}

	wb := &Workbase{JobID: "1"}
	b.Publish(wb)
	if b.Current() != wb {
		t.Fatal("expected Current to return the published workbase")
	}
}

func TestBroadcasterWatchWakesOnPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Watch()

	select {
	case <-ch:
		t.Fatal("watch channel should not be closed before a publish")
	default:
	}

	b.Publish(&Workbase{JobID: "1"})

	select {
	case <-ch:
	default:
		t.Fatal("expected watch channel to close after publish")
	}
}

func TestWorkbaseIsPoolMode(t *testing.T) {
	pool := &Workbase{CoinbaseValue: 100}
	if !pool.IsPoolMode() {
		t.Fatal("expected pool mode workbase to report true")
	}

	proxy := &Workbase{Coinb1: "aa", Coinb2: "bb"}
	if proxy.IsPoolMode() {
		t.Fatal("expected proxy mode workbase to report false")
	}
}
