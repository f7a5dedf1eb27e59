package extranonce

import "testing"

func TestAllocateIsStrictlyIncreasingAndReusesReleased(t *testing.T) {
	a, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	second, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if second.String() <= first.String() {
		t.Fatalf("expected strictly increasing allocations, got %q then %q", first.String(), second.String())
	}

	a.Release(first)
	third, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if third.String() != first.String() {
		t.Fatalf("expected released value %q to be reused, got %q", first.String(), third.String())
	}
}

func TestAllocateFailsOnceSpaceExhausted(t *testing.T) {
	a, err := New(1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 256; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}
	if _, err := a.Allocate(); err == nil {
		t.Fatal("expected allocation to fail once the 1-byte space is exhausted")
	}
}

func TestNewRejectsInvalidWidth(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("expected error for width 0")
	}
	if _, err := New(9); err == nil {
		t.Fatal("expected error for width 9")
	}
}
