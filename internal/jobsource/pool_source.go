package jobsource

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/viddhana/pool/internal/bitcoinrpc"
	"github.com/viddhana/pool/pkg/crypto"
)

// PoolSourceConfig configures the getblocktemplate polling loop and its ZMQ
// hashblock trigger.
type PoolSourceConfig struct {
	UpdateInterval time.Duration
	Signet         bool
	ZMQEnabled     bool
	ZMQAddress     string
}

// PoolSource drives Workbase publication in pool mode: one required
// synchronous fetch at startup, a periodic ticker thereafter, and an
// immediate re-fetch whenever a ZMQ hashblock frame arrives.
type PoolSource struct {
	cfg  PoolSourceConfig
	rpc  *bitcoinrpc.Client
	log  *zap.Logger
	b    *Broadcaster
	seq  uint64
}

// NewPoolSource performs the required synchronous getblocktemplate call
// that seeds Workbase 0, returning an error if it fails.
func NewPoolSource(ctx context.Context, cfg PoolSourceConfig, rpc *bitcoinrpc.Client, log *zap.Logger) (*PoolSource, error) {
	s := &PoolSource{
		cfg: cfg,
		rpc: rpc,
		log: log.Named("jobsource.pool"),
		b:   NewBroadcaster(),
	}

	if err := s.fetchAndPublish(); err != nil {
		return nil, fmt.Errorf("jobsource: initial getblocktemplate: %w", err)
	}

	return s, nil
}

// Broadcaster exposes the Workbase stream.
func (s *PoolSource) Broadcaster() *Broadcaster {
	return s.b
}

// Run drives the polling ticker and ZMQ subscriber until ctx is cancelled.
func (s *PoolSource) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()

	var zmqTrigger <-chan struct{}
	if s.cfg.ZMQEnabled {
		trigger, stop, err := s.subscribeZMQ(ctx)
		if err != nil {
			s.log.Error("zmq subscription failed, continuing on ticker only", zap.Error(err))
		} else {
			defer stop()
			zmqTrigger = trigger
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.fetchAndPublish(); err != nil {
				s.log.Warn("getblocktemplate refresh failed, retaining current workbase", zap.Error(err))
			}
		case <-zmqTrigger:
			if err := s.fetchAndPublish(); err != nil {
				s.log.Warn("getblocktemplate refresh after hashblock failed", zap.Error(err))
			}
		}
	}
}

func (s *PoolSource) subscribeZMQ(ctx context.Context) (<-chan struct{}, func(), error) {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, nil, fmt.Errorf("creating zmq socket: %w", err)
	}
	if err := sock.Connect(s.cfg.ZMQAddress); err != nil {
		sock.Close()
		return nil, nil, fmt.Errorf("connecting to %s: %w", s.cfg.ZMQAddress, err)
	}
	if err := sock.SetSubscribe("hashblock"); err != nil {
		sock.Close()
		return nil, nil, fmt.Errorf("subscribing to hashblock: %w", err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer sock.Close()
		for {
			select {
			case <-done:
				return
			default:
			}

			frames, err := sock.RecvMessageBytes(0)
			if err != nil {
				continue
			}
			if len(frames) != 3 || string(frames[0]) != "hashblock" || len(frames[1]) != 32 {
				s.log.Debug("discarding malformed hashblock frame")
				continue
			}

			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	return out, func() { close(done) }, nil
}

func (s *PoolSource) fetchAndPublish() error {
	tmpl, err := s.rpc.GetBlockTemplate(s.cfg.Signet)
	if err != nil {
		return err
	}

	prevHash, err := reverseHexTo32(tmpl.PreviousBlockHash)
	if err != nil {
		return fmt.Errorf("parsing previousblockhash: %w", err)
	}

	bitsVal, err := hex.DecodeString(tmpl.Bits)
	if err != nil || len(bitsVal) != 4 {
		return fmt.Errorf("parsing bits %q", tmpl.Bits)
	}
	nbits := uint32(bitsVal[0])<<24 | uint32(bitsVal[1])<<16 | uint32(bitsVal[2])<<8 | uint32(bitsVal[3])

	txHashes := make([][]byte, 0, len(tmpl.Transactions))
	rawTxs := make([]string, 0, len(tmpl.Transactions))
	for _, tx := range tmpl.Transactions {
		h, err := reverseHexTo32(tx.TxID)
		if err != nil {
			return fmt.Errorf("parsing transaction txid %q: %w", tx.TxID, err)
		}
		txHashes = append(txHashes, h[:])
		rawTxs = append(rawTxs, tx.Data)
	}
	rawBranches := crypto.MerkleBranches(txHashes)
	branches := make([][32]byte, len(rawBranches))
	for i, b := range rawBranches {
		copy(branches[i][:], b)
	}

	commitment, err := hex.DecodeString(tmpl.DefaultWitnessCommitment)
	if err != nil {
		return fmt.Errorf("parsing default_witness_commitment: %w", err)
	}

	seq := atomic.AddUint64(&s.seq, 1)

	wb := &Workbase{
		JobID:             fmt.Sprintf("%x", seq),
		Height:            tmpl.Height,
		PrevHash:          prevHash,
		Version:           uint32(tmpl.Version),
		NBits:             nbits,
		NTime:             uint32(tmpl.CurTime),
		CleanJobs:         heightChanged(s.b.Current(), tmpl.Height),
		MerkleBranches:    branches,
		CoinbaseAux:       tmpl.CoinbaseAux,
		CoinbaseValue:     tmpl.CoinbaseValue,
		WitnessCommitment: commitment,
		RawTransactions:   rawTxs,
		CreatedAt:         time.Now(),
	}

	s.b.Publish(wb)
	s.log.Info("published workbase",
		zap.String("job_id", wb.JobID),
		zap.Int64("height", wb.Height),
		zap.Bool("clean_jobs", wb.CleanJobs),
	)
	return nil
}

func heightChanged(prev *Workbase, height int64) bool {
	return prev == nil || prev.Height != height
}

func reverseHexTo32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	for i := 0; i < 32; i++ {
		out[i] = raw[31-i]
	}
	return out, nil
}
