package bouncer

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		WarnThreshold:      1 * time.Second,
		ReconnectThreshold: 2 * time.Second,
		DropThreshold:      3 * time.Second,
		PreAuthTimeout:     2 * time.Second,
		IdleTimeout:        5 * time.Second,
		CheckInterval:      1 * time.Second,
	}
}

// fakeClock lets tests advance time deterministically instead of sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBouncer() (*Bouncer, *fakeClock) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	b := New(testConfig(), false)
	b.now = fc.now
	b.connectedAt = fc.t
	b.lastInteraction = fc.t
	return b, fc
}

func TestNewBouncerStartsAtZero(t *testing.T) {
	b, _ := newTestBouncer()
	if b.ConsecutiveRejects() != 0 {
		t.Fatalf("expected 0 consecutive rejects, got %d", b.ConsecutiveRejects())
	}
	if b.IsAuthorized() {
		t.Fatal("expected not authorized")
	}
}

func TestRejectBeforeWarnThresholdReturnsNone(t *testing.T) {
	b, _ := newTestBouncer()
	if c := b.Reject(); c != None {
		t.Fatalf("expected None, got %v", c)
	}
	if b.ConsecutiveRejects() != 1 {
		t.Fatalf("expected 1 consecutive reject, got %d", b.ConsecutiveRejects())
	}
}

func TestAcceptResetsConsecutiveRejects(t *testing.T) {
	b, _ := newTestBouncer()
	b.Reject()
	b.Reject()
	if b.ConsecutiveRejects() != 2 {
		t.Fatalf("expected 2, got %d", b.ConsecutiveRejects())
	}
	b.Accept()
	if b.ConsecutiveRejects() != 0 {
		t.Fatalf("expected 0 after accept, got %d", b.ConsecutiveRejects())
	}
}

func TestAuthorizeSetsFlag(t *testing.T) {
	b, _ := newTestBouncer()
	b.Authorize()
	if !b.IsAuthorized() {
		t.Fatal("expected authorized")
	}
}

func TestIdleCheckNoneWhenAuthorized(t *testing.T) {
	b, _ := newTestBouncer()
	b.Authorize()
	if c := b.IdleCheck(); c != None {
		t.Fatalf("expected None, got %v", c)
	}
}

func TestIdleCheckDropsUnauthorizedAfterTimeout(t *testing.T) {
	b, fc := newTestBouncer()
	fc.advance(3 * time.Second)
	if c := b.IdleCheck(); c != Drop {
		t.Fatalf("expected Drop, got %v", c)
	}
}

func TestIdleCheckDropsAfterIdleTimeout(t *testing.T) {
	b, fc := newTestBouncer()
	b.Authorize()
	fc.advance(6 * time.Second)
	if c := b.IdleCheck(); c != Drop {
		t.Fatalf("expected Drop, got %v", c)
	}
}

// EscalationIsMonotonicallyIncreasing verifies invariant 8: repeated calls
// to Reject return each distinct level at most once between Accept calls,
// and the returned levels strictly increase over time.
func TestEscalationIsMonotonicallyIncreasing(t *testing.T) {
	b, fc := newTestBouncer()

	if c := b.Reject(); c != None {
		t.Fatalf("expected None immediately, got %v", c)
	}

	fc.advance(1100 * time.Millisecond)
	if c := b.Reject(); c != Warn {
		t.Fatalf("expected Warn, got %v", c)
	}
	// Same level again: must return None, not re-announce Warn.
	if c := b.Reject(); c != None {
		t.Fatalf("expected None on repeated Warn level, got %v", c)
	}

	fc.advance(1 * time.Second)
	if c := b.Reject(); c != Reconnect {
		t.Fatalf("expected Reconnect, got %v", c)
	}

	fc.advance(1 * time.Second)
	if c := b.Reject(); c != Drop {
		t.Fatalf("expected Drop, got %v", c)
	}

	b.Accept()
	if c := b.Reject(); c != None {
		t.Fatalf("expected None after accept reset the streak, got %v", c)
	}
}
