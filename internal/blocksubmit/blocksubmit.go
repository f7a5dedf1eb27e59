// Package blocksubmit assembles a full block from a winning share and
// submits it to a Bitcoin node, implementing session.BlockSubmitter for
// pool mode.
package blocksubmit

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/viddhana/pool/internal/bitcoinrpc"
	"github.com/viddhana/pool/internal/jobsource"
	"github.com/viddhana/pool/internal/validator"
)

// NodeSubmitter submits pool-mode block candidates to a Bitcoin node via
// RPC. A session never assembles a block itself; it only detects candidacy
// and hands the ingredients here.
type NodeSubmitter struct {
	rpc *bitcoinrpc.Client
	log *zap.Logger
}

// New returns a NodeSubmitter backed by rpc.
func New(rpc *bitcoinrpc.Client, log *zap.Logger) *NodeSubmitter {
	return &NodeSubmitter{rpc: rpc, log: log.Named("blocksubmit")}
}

// SubmitBlock reconstructs the 80-byte header that earned result.Hash,
// prepends it (plus the coinbase and the workbase's other transactions) into
// a serialized block, and submits it over RPC.
func (n *NodeSubmitter) SubmitBlock(ctx context.Context, wb *jobsource.Workbase, job validator.Job, sub validator.Submission, result validator.Result) error {
	version := job.Version
	if sub.HasVersion {
		version = (job.Version &^ sub.VersionMask) | (sub.VersionBits & sub.VersionMask)
	}
	ntime, err := validator.ParseHexUint32(sub.NTime)
	if err != nil {
		return fmt.Errorf("blocksubmit: parsing ntime: %w", err)
	}
	nonce, err := validator.ParseHexUint32(sub.Nonce)
	if err != nil {
		return fmt.Errorf("blocksubmit: parsing nonce: %w", err)
	}

	header := validator.BuildHeader(version, job.PrevHash, result.MerkleRoot, ntime, job.NBits, nonce)

	txCount := 1 + len(wb.RawTransactions)
	block := make([]byte, 0, len(header)+9+len(result.CoinbaseTx)+len(wb.RawTransactions)*256)
	block = append(block, header...)
	block = appendVarInt(block, uint64(txCount))
	block = append(block, result.CoinbaseTx...)
	for _, txHex := range wb.RawTransactions {
		raw, err := hex.DecodeString(txHex)
		if err != nil {
			return fmt.Errorf("blocksubmit: decoding template transaction: %w", err)
		}
		block = append(block, raw...)
	}

	blockHex := hex.EncodeToString(block)
	if err := n.rpc.SubmitBlock(blockHex); err != nil {
		n.log.Error("submitblock failed",
			zap.Int64("height", wb.Height),
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		return fmt.Errorf("blocksubmit: submitblock: %w", err)
	}

	n.log.Info("block submitted",
		zap.Int64("height", wb.Height),
		zap.String("job_id", job.JobID),
		zap.Float64("share_diff", result.ShareDiff),
	)
	return nil
}

// appendVarInt appends a Bitcoin CompactSize-encoded integer to dst.
func appendVarInt(dst []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(dst, byte(v))
	case v <= 0xffff:
		return append(dst, 0xfd, byte(v), byte(v>>8))
	case v <= 0xffffffff:
		return append(dst, 0xfe, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	default:
		return append(dst, 0xff,
			byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
			byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
	}
}
