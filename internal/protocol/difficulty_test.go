package protocol

import (
	"math"
	"testing"
)

func TestDifficultyOneIsMaxTarget(t *testing.T) {
	target := DifficultyToTarget(1)
	if target.Cmp(MaxTarget) != 0 {
		t.Fatalf("DifficultyToTarget(1) = %s, want MaxTarget %s", FormatTarget(target), FormatTarget(MaxTarget))
	}
}

func TestDifficultyTargetRoundTrip(t *testing.T) {
	for _, d := range []float64{1, 2, 4, 16, 1000, 65536} {
		target := DifficultyToTarget(d)
		got := TargetToDifficulty(target)
		if math.Abs(got-d)/d > 0.001 {
			t.Fatalf("difficulty %v round trip mismatch: got %v", d, got)
		}
	}
}

func TestCompactTargetRoundTrip(t *testing.T) {
	// standard genesis block nbits
	const bits = 0x1d00ffff
	target := CompactToTarget(bits)
	got := TargetToCompact(target)
	if got != bits {
		t.Fatalf("compact round trip: got %x, want %x", got, bits)
	}
}

func TestMeetsTarget(t *testing.T) {
	target := DifficultyToTarget(1)
	var low [32]byte
	low[0] = 1 // least significant byte: hash value 1, easily meets any target
	if !MeetsTarget(low, target) {
		t.Fatal("expected tiny hash to meet difficulty-1 target")
	}

	var high [32]byte
	for i := range high {
		high[i] = 0xff
	}
	if MeetsTarget(high, target) {
		t.Fatal("expected max hash to miss difficulty-1 target")
	}
}
