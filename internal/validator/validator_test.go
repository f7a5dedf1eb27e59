package validator

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/viddhana/pool/internal/coinbase"
	"github.com/viddhana/pool/internal/protocol"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/btcutil"
)

func buildTestJob(t *testing.T) (Job, []byte) {
	t.Helper()

	addr, err := btcutil.DecodeAddress("1BitcoinEaterAddressDontSendf59kuE", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("decoding address: %v", err)
	}
	enonce1 := []byte{0xde, 0xad, 0xbe, 0xef}

	built, err := coinbase.Build(coinbase.Params{
		Height:            800000,
		RewardValue:       625000000,
		MinerAddress:      addr,
		WitnessCommitment: bytes.Repeat([]byte{0xaa}, 38),
		Enonce1:           enonce1,
		Enonce2Size:       4,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	job := Job{
		JobID:          "job1",
		Coinb1:         built.Coinb1,
		Coinb2:         built.Coinb2,
		MerkleBranches: nil,
		Version:        0x20000000,
		NBits:          0x1d00ffff,
	}
	return job, enonce1
}

func TestValidateAcceptsShareUnderEasyTarget(t *testing.T) {
	job, enonce1 := buildTestJob(t)

	sub := Submission{
		Enonce1: enonce1,
		Enonce2: "00000000",
		NTime:   "5f5e1000",
		Nonce:   "00000001",
	}

	result, err := Validate(job, sub, protocol.MaxTarget)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Accepted {
		t.Fatalf("expected acceptance under MaxTarget, got reject %d: %s", result.Reject, result.RejectReason)
	}
}

func TestValidateRejectsLowDifficultyShare(t *testing.T) {
	job, enonce1 := buildTestJob(t)

	sub := Submission{
		Enonce1: enonce1,
		Enonce2: "00000000",
		NTime:   "5f5e1000",
		Nonce:   "00000001",
	}

	tinyTarget := protocol.CompactToTarget(0x03000001) // an extremely small target, almost nothing meets it
	result, err := Validate(job, sub, tinyTarget)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Accepted {
		t.Fatal("expected rejection under a near-zero target")
	}
	if result.Reject != RejectLowDifficulty {
		t.Fatalf("expected RejectLowDifficulty, got %d", result.Reject)
	}
}

func TestValidateRejectsBadEnonce2Length(t *testing.T) {
	job, enonce1 := buildTestJob(t)
	sub := Submission{
		Enonce1: enonce1,
		Enonce2: "0", // odd length
		NTime:   "5f5e1000",
		Nonce:   "00000001",
	}
	result, err := Validate(job, sub, protocol.MaxTarget)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Accepted || result.Reject != RejectInvalidNonceSize {
		t.Fatalf("expected RejectInvalidNonceSize, got accepted=%v reject=%d", result.Accepted, result.Reject)
	}
}

func TestDedupeSetDetectsCollision(t *testing.T) {
	d := NewDedupeSet(4)
	key := DuplicateKey{Enonce2: "00000000", NTime: "5f5e1000", Nonce: "00000001"}

	if d.CheckAndAdd(key) {
		t.Fatal("expected first insertion to report no collision")
	}
	if !d.CheckAndAdd(key) {
		t.Fatal("expected second insertion to report a collision")
	}
}

func TestDedupeSetEvictsOldest(t *testing.T) {
	d := NewDedupeSet(2)
	k1 := DuplicateKey{Nonce: "00000001"}
	k2 := DuplicateKey{Nonce: "00000002"}
	k3 := DuplicateKey{Nonce: "00000003"}

	d.CheckAndAdd(k1)
	d.CheckAndAdd(k2)
	d.CheckAndAdd(k3) // evicts k1

	if d.CheckAndAdd(k1) {
		t.Fatal("expected k1 to have been evicted and not report a collision")
	}
}

func TestCoinbaseRoundTripHexValid(t *testing.T) {
	job, _ := buildTestJob(t)
	if _, err := hex.DecodeString(job.Coinb1); err != nil {
		t.Fatalf("coinb1 not valid hex: %v", err)
	}
	if _, err := hex.DecodeString(job.Coinb2); err != nil {
		t.Fatalf("coinb2 not valid hex: %v", err)
	}
}
