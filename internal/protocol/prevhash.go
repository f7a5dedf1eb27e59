package protocol

import (
	"encoding/hex"
	"fmt"
)

// EncodePrevHash renders a 32-byte internal block hash in the legacy
// Stratum wire encoding: the hash is split into eight 4-byte words and the
// order of the words is reversed, each word's own byte order left intact,
// then the result is hex-encoded.
func EncodePrevHash(hash [32]byte) string {
	var swapped [32]byte
	for i := 0; i < 8; i++ {
		copy(swapped[i*4:i*4+4], hash[(7-i)*4:(7-i)*4+4])
	}
	return hex.EncodeToString(swapped[:])
}

// DecodePrevHash parses the wire prevhash encoding back into a 32-byte
// internal block hash. It is the exact inverse of EncodePrevHash: word
// order reversal is its own inverse.
func DecodePrevHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("protocol: invalid prevhash hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("protocol: prevhash must be 32 bytes, got %d", len(raw))
	}
	for i := 0; i < 8; i++ {
		copy(out[i*4:i*4+4], raw[(7-i)*4:(7-i)*4+4])
	}
	return out, nil
}
