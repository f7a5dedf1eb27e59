// Package blockwatch periodically checks pending blocks found by this pool
// against the node's best chain, confirming them once they reach maturity
// depth or marking them orphaned once the node no longer considers them
// part of the best chain.
package blockwatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/viddhana/pool/internal/bitcoinrpc"
	"github.com/viddhana/pool/internal/storage"
)

// MaturityDepth is the number of confirmations Bitcoin Core requires before
// a coinbase output can be spent, and so before a found block's reward is
// considered final.
const MaturityDepth = 100

// pendingWindow bounds how many recent blocks are re-checked each sweep.
const pendingWindow = 200

// Watcher reconciles stratum_blocks rows against the node's view of the
// chain. It owns no session-facing state; Run is meant to be started as a
// background loop alongside the job source.
type Watcher struct {
	rpc      *bitcoinrpc.Client
	pg       *storage.PostgresClient
	log      *zap.Logger
	interval time.Duration
}

// New creates a Watcher. interval defaults to 5 minutes if zero.
func New(rpc *bitcoinrpc.Client, pg *storage.PostgresClient, log *zap.Logger, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Watcher{rpc: rpc, pg: pg, log: log.Named("blockwatch"), interval: interval}
}

// Run sweeps pending blocks on a ticker until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	pending, err := w.pg.PendingBlocks(ctx, pendingWindow)
	if err != nil {
		w.log.Warn("failed to list pending blocks", zap.Error(err))
		return
	}

	for _, b := range pending {
		confirmations, err := w.rpc.GetBlockConfirmations(b.Hash)
		if err != nil {
			w.log.Warn("failed to check block confirmations",
				zap.String("hash", b.Hash), zap.Error(err))
			continue
		}

		switch {
		case confirmations < 0:
			if err := w.pg.OrphanBlock(ctx, b.Hash); err != nil {
				w.log.Error("failed to mark block orphaned", zap.String("hash", b.Hash), zap.Error(err))
				continue
			}
			w.log.Warn("block orphaned", zap.String("hash", b.Hash), zap.Int64("height", b.Height))

		case confirmations >= MaturityDepth:
			reward, err := w.rpc.GetBlockReward(b.Hash)
			if err != nil {
				w.log.Warn("failed to read block reward", zap.String("hash", b.Hash), zap.Error(err))
				continue
			}
			if err := w.pg.ConfirmBlock(ctx, b.Hash, reward); err != nil {
				w.log.Error("failed to confirm block", zap.String("hash", b.Hash), zap.Error(err))
				continue
			}
			w.log.Info("block confirmed",
				zap.String("hash", b.Hash), zap.Int64("height", b.Height), zap.Int64("reward", reward))
		}
	}
}
