// Package validator implements the share validation pipeline: header
// reconstruction from a submitted extranonce2/ntime/nonce against a
// session's job, duplicate detection, and block-candidate classification.
package validator

import (
	"container/list"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/viddhana/pool/internal/protocol"
	"github.com/viddhana/pool/pkg/crypto"
)

// Job is a session-materialized unit of work: a Workbase specialized with
// that session's extranonce1/enonce2_size, kept in the session's recent-jobs
// FIFO for as long as it may still receive submits.
type Job struct {
	JobID          string
	PrevHash       [32]byte
	Coinb1         string
	Coinb2         string
	MerkleBranches [][32]byte
	Version        uint32
	NBits          uint32
}

// Submission is one mining.submit's parsed fields plus the session context
// needed to reconstruct its header.
type Submission struct {
	Enonce1     []byte
	Enonce2     string
	NTime       string
	Nonce       string
	VersionBits uint32
	HasVersion  bool
	VersionMask uint32
}

// RejectCode names why a share was rejected, using the wire error codes.
type RejectCode int

const (
	Accepted RejectCode = 0
	RejectJobNotFound      RejectCode = protocol.ErrJobNotFound
	RejectDuplicate        RejectCode = protocol.ErrDuplicateShare
	RejectLowDifficulty    RejectCode = protocol.ErrLowDifficultyShare
	RejectInvalidNonceSize RejectCode = protocol.ErrInvalidNonceSize
)

// Result is the outcome of validating one submission.
type Result struct {
	Accepted         bool
	Reject           RejectCode
	RejectReason     string
	Hash             [32]byte
	ShareDiff        float64
	IsBlockCandidate bool
	CoinbaseTx       []byte
	MerkleRoot       [32]byte
}

// DuplicateKey uniquely identifies a submission for a session's dedupe set.
type DuplicateKey struct {
	Enonce2     string
	NTime       string
	Nonce       string
	VersionBits uint32
}

// DedupeSet is a per-session, insertion-order-bounded set of recently seen
// submission tuples.
type DedupeSet struct {
	limit int
	seen  map[DuplicateKey]*list.Element
	order *list.List
}

// NewDedupeSet creates a set retaining at most limit entries, evicting the
// oldest on overflow.
func NewDedupeSet(limit int) *DedupeSet {
	return &DedupeSet{
		limit: limit,
		seen:  make(map[DuplicateKey]*list.Element, limit),
		order: list.New(),
	}
}

// CheckAndAdd returns true if key was already present; otherwise it records
// key and returns false.
func (d *DedupeSet) CheckAndAdd(key DuplicateKey) bool {
	if _, ok := d.seen[key]; ok {
		return true
	}
	elem := d.order.PushBack(key)
	d.seen[key] = elem
	if d.order.Len() > d.limit {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(DuplicateKey))
	}
	return false
}

// DefaultDedupeLimit is the per-session submission history bound (2^14).
const DefaultDedupeLimit = 1 << 14

// Validate reconstructs the header for sub against job, checking it against
// sessionTarget for acceptance and against the job's network target for
// block-candidacy. Duplicate detection must be performed by the caller via
// DedupeSet before calling Validate, since DuplicateKey construction needs
// no header math.
func Validate(job Job, sub Submission, sessionTarget *big.Int) (Result, error) {
	if len(sub.Enonce2)%2 != 0 {
		return Result{Reject: RejectInvalidNonceSize, RejectReason: "invalid enonce2 length"}, nil
	}
	if len(sub.NTime) != 8 || len(sub.Nonce) != 8 {
		return Result{Reject: RejectInvalidNonceSize, RejectReason: "invalid ntime/nonce length"}, nil
	}

	enonce2Bytes, err := hex.DecodeString(sub.Enonce2)
	if err != nil {
		return Result{}, fmt.Errorf("validator: decoding enonce2: %w", err)
	}

	coinb1, err := hex.DecodeString(job.Coinb1)
	if err != nil {
		return Result{}, fmt.Errorf("validator: decoding coinb1: %w", err)
	}
	coinb2, err := hex.DecodeString(job.Coinb2)
	if err != nil {
		return Result{}, fmt.Errorf("validator: decoding coinb2: %w", err)
	}

	coinbase := make([]byte, 0, len(coinb1)+len(sub.Enonce1)+len(enonce2Bytes)+len(coinb2))
	coinbase = append(coinbase, coinb1...)
	coinbase = append(coinbase, sub.Enonce1...)
	coinbase = append(coinbase, enonce2Bytes...)
	coinbase = append(coinbase, coinb2...)

	coinbaseTxid := crypto.DoubleSHA256(coinbase)

	branchBytes := make([][]byte, len(job.MerkleBranches))
	for i := range job.MerkleBranches {
		branchBytes[i] = job.MerkleBranches[i][:]
	}
	merkleRootBytes := crypto.CalculateMerkleRootWithCoinbase(coinbaseTxid, branchBytes)
	var merkleRoot [32]byte
	copy(merkleRoot[:], merkleRootBytes)

	version := job.Version
	if sub.HasVersion {
		version = (job.Version &^ sub.VersionMask) | (sub.VersionBits & sub.VersionMask)
	}

	ntimeVal, err := parseHexUint32(sub.NTime)
	if err != nil {
		return Result{Reject: RejectInvalidNonceSize, RejectReason: "invalid ntime"}, nil
	}
	nonceVal, err := parseHexUint32(sub.Nonce)
	if err != nil {
		return Result{Reject: RejectInvalidNonceSize, RejectReason: "invalid nonce"}, nil
	}

	header := buildHeader(version, job.PrevHash, merkleRoot, ntimeVal, job.NBits, nonceVal)
	hashBytes := crypto.DoubleSHA256(header)
	var hash [32]byte
	copy(hash[:], hashBytes)

	shareDiff := protocol.ShareDifficulty(hash)

	if !protocol.MeetsTarget(hash, sessionTarget) {
		return Result{
			Reject:       RejectLowDifficulty,
			RejectReason: "Low difficulty share",
			Hash:         hash,
			ShareDiff:    shareDiff,
			MerkleRoot:   merkleRoot,
		}, nil
	}

	networkTarget := protocol.CompactToTarget(job.NBits)
	isCandidate := protocol.MeetsTarget(hash, networkTarget)

	return Result{
		Accepted:         true,
		Hash:             hash,
		ShareDiff:        shareDiff,
		IsBlockCandidate: isCandidate,
		CoinbaseTx:       coinbase,
		MerkleRoot:       merkleRoot,
	}, nil
}

func buildHeader(version uint32, prevHash, merkleRoot [32]byte, ntime, nbits, nonce uint32) []byte {
	return BuildHeader(version, prevHash, merkleRoot, ntime, nbits, nonce)
}

// BuildHeader serializes an 80-byte Bitcoin block header in wire order.
// Exported so a block candidate's submitter can reconstruct the exact same
// header bytes that earned its hash, without repeating the layout.
func BuildHeader(version uint32, prevHash, merkleRoot [32]byte, ntime, nbits, nonce uint32) []byte {
	header := make([]byte, 80)
	binary.LittleEndian.PutUint32(header[0:4], version)
	copy(header[4:36], prevHash[:])
	copy(header[36:68], merkleRoot[:])
	binary.LittleEndian.PutUint32(header[68:72], ntime)
	binary.LittleEndian.PutUint32(header[72:76], nbits)
	binary.LittleEndian.PutUint32(header[76:80], nonce)
	return header
}

// ParseHexUint32 decodes an 8-hex-char, big-endian wire field (ntime/nonce
// as they appear in a mining.submit) into a uint32.
func ParseHexUint32(s string) (uint32, error) {
	return parseHexUint32(s)
}

func parseHexUint32(s string) (uint32, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 4 {
		return 0, fmt.Errorf("expected 4 hex bytes, got %q", s)
	}
	return binary.BigEndian.Uint32(raw), nil
}

