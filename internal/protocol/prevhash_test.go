package protocol

import (
	"encoding/hex"
	"testing"
)

func mustHash(t *testing.T, s string) [32]byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad test fixture: %v", err)
	}
	var out [32]byte
	copy(out[:], raw)
	return out
}

func TestEncodePrevHash(t *testing.T) {
	cases := []struct {
		name     string
		internal string
		wire     string
	}{
		{
			name:     "spec S5 vector",
			internal: "00000000440b921e1b77c6c0487ae5616de67f788f44ae2a5af6e2194d16b6f8",
			wire:     "4d16b6f85af6e2198f44ae2a6de67f78487ae5611b77c6c0440b921e00000000",
		},
		{
			name:     "all zero hash",
			internal: "0000000000000000000000000000000000000000000000000000000000000000",
			wire:     "0000000000000000000000000000000000000000000000000000000000000000",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := EncodePrevHash(mustHash(t, c.internal))
			if got != c.wire {
				t.Fatalf("EncodePrevHash(%s) = %s, want %s", c.internal, got, c.wire)
			}
		})
	}
}

func TestDecodePrevHashIsInverse(t *testing.T) {
	internal := "00000000440b921e1b77c6c0487ae5616de67f788f44ae2a5af6e2194d16b6f8"
	h := mustHash(t, internal)

	wire := EncodePrevHash(h)
	roundTripped, err := DecodePrevHash(wire)
	if err != nil {
		t.Fatalf("DecodePrevHash: %v", err)
	}
	if roundTripped != h {
		t.Fatalf("round trip mismatch: got %x, want %x", roundTripped, h)
	}
}

func TestDecodePrevHashRejectsBadLength(t *testing.T) {
	if _, err := DecodePrevHash("abcd"); err == nil {
		t.Fatal("expected error for short prevhash")
	}
}
