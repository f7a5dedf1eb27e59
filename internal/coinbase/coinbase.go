// Package coinbase builds the pool-mode coinbase transaction and splits its
// serialization into the coinb1/coinb2 halves a miner's stratum job names.
package coinbase

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// MaxScriptSigBytes is the network-enforced cap on a coinbase input's
// script_sig length.
const MaxScriptSigBytes = 100

// Params describes one coinbase build: a Workbase's reward fields plus one
// session's extranonce allocation.
type Params struct {
	Height             int64
	Aux                map[string]string
	RewardValue        int64
	MinerAddress       btcutil.Address
	WitnessCommitment  []byte
	Enonce1            []byte
	Enonce2Size        int
	Timestamp          uint32
	IncludeTimestamp   bool
	PoolSignature      string
}

// Built is the result of a successful coinbase build.
type Built struct {
	Coinb1 string
	Coinb2 string
	Tx     *wire.MsgTx
}

// Build constructs the canonical coinbase transaction and splits its
// serialization around the enonce1‖enonce2 placeholder. The script_sig is,
// in order: a BIP34 height push, one data push per aux value (sorted by key
// for determinism), a single combined push covering enonce1 followed by a
// zero-filled enonce2 placeholder, and an optional suffix of a 4-byte
// timestamp push and a pool signature push. The combined push is the last
// byte of coinb1 so that coinb1‖enonce1‖enonce2‖coinb2 is a valid
// concatenation, matching the share validator's reconstruction.
func Build(p Params) (*Built, error) {
	prefixBuilder := txscript.NewScriptBuilder()
	prefixBuilder.AddInt64(p.Height)

	auxKeys := make([]string, 0, len(p.Aux))
	for k := range p.Aux {
		auxKeys = append(auxKeys, k)
	}
	sort.Strings(auxKeys)
	for _, k := range auxKeys {
		auxBytes, err := hex.DecodeString(p.Aux[k])
		if err != nil {
			return nil, fmt.Errorf("coinbase: invalid aux value %q: %w", k, err)
		}
		prefixBuilder.AddData(auxBytes)
	}

	prefixScript, err := prefixBuilder.Script()
	if err != nil {
		return nil, fmt.Errorf("coinbase: building script prefix: %w", err)
	}

	combinedSize := len(p.Enonce1) + p.Enonce2Size
	if combinedSize > 75 {
		return nil, fmt.Errorf("coinbase: combined extranonce width %d exceeds single-push limit", combinedSize)
	}

	scriptSig := make([]byte, 0, MaxScriptSigBytes)
	scriptSig = append(scriptSig, prefixScript...)
	scriptSig = append(scriptSig, byte(combinedSize))
	scriptSig = append(scriptSig, p.Enonce1...)
	scriptSig = append(scriptSig, make([]byte, p.Enonce2Size)...)

	suffixBuilder := txscript.NewScriptBuilder()
	if p.IncludeTimestamp {
		var ts [4]byte
		ts[0] = byte(p.Timestamp >> 24)
		ts[1] = byte(p.Timestamp >> 16)
		ts[2] = byte(p.Timestamp >> 8)
		ts[3] = byte(p.Timestamp)
		suffixBuilder.AddData(ts[:])
	}
	if p.PoolSignature != "" {
		suffixBuilder.AddData([]byte(p.PoolSignature))
	}
	suffixScript, err := suffixBuilder.Script()
	if err != nil {
		return nil, fmt.Errorf("coinbase: building script suffix: %w", err)
	}
	scriptSig = append(scriptSig, suffixScript...)

	if len(scriptSig) > MaxScriptSigBytes {
		return nil, fmt.Errorf("coinbase: script_sig length %d exceeds %d byte limit", len(scriptSig), MaxScriptSigBytes)
	}

	tx := wire.NewMsgTx(2)
	prevOut := wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex)
	txIn := wire.NewTxIn(prevOut, scriptSig, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	minerScript, err := txscript.PayToAddrScript(p.MinerAddress)
	if err != nil {
		return nil, fmt.Errorf("coinbase: building miner output script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(p.RewardValue, minerScript))
	tx.AddTxOut(wire.NewTxOut(0, p.WitnessCommitment))
	tx.LockTime = 0

	full, err := serializeLegacy(tx)
	if err != nil {
		return nil, fmt.Errorf("coinbase: serializing transaction: %w", err)
	}

	// version(4) + txin count varint(1, since count==1) + previous_output(36)
	// + script_sig length varint(1, since len <= 100 < 253)
	prefixBeforeScript := 4 + 1 + 36 + 1
	enonceFieldStart := prefixBeforeScript + len(prefixScript) + 1 // +1 for the combined push opcode
	enonceFieldEnd := enonceFieldStart + combinedSize

	coinb1 := full[:enonceFieldStart]
	coinb2 := full[enonceFieldEnd:]

	return &Built{
		Coinb1: hex.EncodeToString(coinb1),
		Coinb2: hex.EncodeToString(coinb2),
		Tx:     tx,
	}, nil
}

// serializeLegacy serializes a transaction in the pre-segwit wire format,
// which is what the coinbase's empty witness produces, but is spelled out
// explicitly since callers depend on byte-exact offsets.
func serializeLegacy(tx *wire.MsgTx) ([]byte, error) {
	buf := make([]byte, 0, tx.SerializeSize())
	w := &sliceWriter{buf: buf}
	if err := tx.Serialize(w); err != nil {
		return nil, err
	}
	return w.buf, nil
}

type sliceWriter struct {
	buf []byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}
