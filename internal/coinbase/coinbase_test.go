package coinbase

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

func testMinerAddress(t *testing.T) btcutil.Address {
	t.Helper()
	addr, err := btcutil.DecodeAddress("1BitcoinEaterAddressDontSendf59kuE", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("decoding test address: %v", err)
	}
	return addr
}

func TestBuildSplitsAroundEnonceField(t *testing.T) {
	enonce1, _ := hex.DecodeString("deadbeef")
	p := Params{
		Height:            800000,
		Aux:               map[string]string{"b": "cafe", "a": "babe"},
		RewardValue:       625000000,
		MinerAddress:      testMinerAddress(t),
		WitnessCommitment: bytes.Repeat([]byte{0xaa}, 38),
		Enonce1:           enonce1,
		Enonce2Size:       4,
		PoolSignature:     "/pool/",
	}

	built, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	coinb1, err := hex.DecodeString(built.Coinb1)
	if err != nil {
		t.Fatalf("coinb1 not valid hex: %v", err)
	}
	coinb2, err := hex.DecodeString(built.Coinb2)
	if err != nil {
		t.Fatalf("coinb2 not valid hex: %v", err)
	}

	enonce2 := make([]byte, p.Enonce2Size)
	reassembled := append(append(append([]byte{}, coinb1...), enonce1...), enonce2...)
	reassembled = append(reassembled, coinb2...)

	full, err := serializeLegacy(built.Tx)
	if err != nil {
		t.Fatalf("serializeLegacy: %v", err)
	}

	if !bytes.Equal(reassembled, full) {
		t.Fatalf("coinb1 || enonce1 || enonce2 || coinb2 does not reconstruct the serialized transaction\ngot:  %x\nwant: %x", reassembled, full)
	}

	// The last byte of coinb1 must be the combined-push opcode.
	lastByte := coinb1[len(coinb1)-1]
	if int(lastByte) != len(enonce1)+p.Enonce2Size {
		t.Fatalf("expected last byte of coinb1 to be the combined push length %d, got %d", len(enonce1)+p.Enonce2Size, lastByte)
	}
}

func TestBuildRejectsOversizedScriptSig(t *testing.T) {
	enonce1 := bytes.Repeat([]byte{0x01}, 8)
	aux := map[string]string{}
	for i := 0; i < 20; i++ {
		aux[string(rune('a'+i))] = "aabbccddeeff00112233445566778899"
	}
	p := Params{
		Height:            800000,
		Aux:               aux,
		RewardValue:       1,
		MinerAddress:      testMinerAddress(t),
		WitnessCommitment: bytes.Repeat([]byte{0xaa}, 38),
		Enonce1:           enonce1,
		Enonce2Size:       8,
	}

	if _, err := Build(p); err == nil {
		t.Fatal("expected an error for an oversized script_sig")
	}
}

func TestBuildRejectsInvalidAuxHex(t *testing.T) {
	p := Params{
		Height:            800000,
		Aux:               map[string]string{"bad": "not-hex"},
		RewardValue:       1,
		MinerAddress:      testMinerAddress(t),
		WitnessCommitment: bytes.Repeat([]byte{0xaa}, 38),
		Enonce1:           []byte{0, 0, 0, 0},
		Enonce2Size:       4,
	}

	if _, err := Build(p); err == nil {
		t.Fatal("expected an error for invalid aux hex")
	}
}

func TestBuildDeterministicAuxOrdering(t *testing.T) {
	enonce1 := []byte{1, 2, 3, 4}
	base := Params{
		Height:            800000,
		RewardValue:       1,
		MinerAddress:      testMinerAddress(t),
		WitnessCommitment: bytes.Repeat([]byte{0xaa}, 38),
		Enonce1:           enonce1,
		Enonce2Size:       4,
	}

	p1 := base
	p1.Aux = map[string]string{"z": "01", "a": "02"}
	p2 := base
	p2.Aux = map[string]string{"a": "02", "z": "01"}

	b1, err := Build(p1)
	if err != nil {
		t.Fatalf("Build p1: %v", err)
	}
	b2, err := Build(p2)
	if err != nil {
		t.Fatalf("Build p2: %v", err)
	}
	if b1.Coinb1 != b2.Coinb1 {
		t.Fatalf("aux map iteration order changed the build: %s vs %s", b1.Coinb1, b2.Coinb1)
	}
}
