package vardiff

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		TargetShareTime: 3330 * time.Millisecond,
		Window:          300 * time.Second,
		SilenceTimeout:  30 * time.Second,
		MinDifficulty:   0.000001,
		MaxDifficulty:   1000000,
	}
}

// TestVardiffUpShift mirrors scenario S6: shares spaced far below the
// target interval should raise difficulty by at least 4x within 10 shares.
func TestVardiffUpShift(t *testing.T) {
	s := NewState(testConfig(), 1)
	now := time.Unix(0, 0)

	var lastDiff float64 = 1
	for i := 0; i < 10; i++ {
		now = now.Add(500 * time.Millisecond)
		d, _ := s.OnAccept(now)
		lastDiff = d
	}

	if lastDiff < 4 {
		t.Fatalf("expected difficulty to rise at least 4x after 10 fast shares, got %v", lastDiff)
	}
}

// TestVardiffMonotonicIncrease covers invariant 7: sustained fast shares
// never produce a decreasing difficulty sequence.
func TestVardiffMonotonicIncrease(t *testing.T) {
	s := NewState(testConfig(), 1)
	now := time.Unix(0, 0)

	prev := s.Difficulty()
	for i := 0; i < 30; i++ {
		now = now.Add(200 * time.Millisecond) // well below T/2
		d, _ := s.OnAccept(now)
		if d < prev {
			t.Fatalf("difficulty decreased from %v to %v under sustained fast shares", prev, d)
		}
		prev = d
	}
}

// TestVardiffMonotonicDecrease covers the symmetric case for shares far
// above the target interval.
func TestVardiffMonotonicDecrease(t *testing.T) {
	s := NewState(testConfig(), 100)
	now := time.Unix(0, 0)

	prev := s.Difficulty()
	for i := 0; i < 30; i++ {
		now = now.Add(20 * time.Second) // well above 2T
		d, _ := s.OnAccept(now)
		if d > prev {
			t.Fatalf("difficulty increased from %v to %v under sustained slow shares", prev, d)
		}
		prev = d
	}
}

func TestCheckSilenceHalvesDifficulty(t *testing.T) {
	s := NewState(testConfig(), 8)
	now := time.Unix(0, 0)
	s.OnAccept(now)

	now = now.Add(31 * time.Second)
	d, changed := s.CheckSilence(now)
	if !changed {
		t.Fatal("expected silence to trigger a retarget")
	}
	if d != 4 {
		t.Fatalf("expected difficulty to halve to 4, got %v", d)
	}
}

func TestSuggestDifficultyClamps(t *testing.T) {
	cfg := testConfig()
	cfg.MinDifficulty = 1
	cfg.MaxDifficulty = 100
	s := NewState(cfg, 1)

	if got := s.SuggestDifficulty(0.0001); got != 1 {
		t.Fatalf("expected clamp to min 1, got %v", got)
	}
	if got := s.SuggestDifficulty(1_000_000); got != 100 {
		t.Fatalf("expected clamp to max 100, got %v", got)
	}
}
