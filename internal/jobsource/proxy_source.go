package jobsource

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/viddhana/pool/internal/upstream"
)

// ProxySource adapts an upstream relay's notify stream into the same
// Workbase/Broadcaster shape pool mode produces, taking clean_jobs verbatim
// from upstream.
type ProxySource struct {
	relay *upstream.Relay
	log   *zap.Logger
	b     *Broadcaster
	seq   uint64
}

// NewProxySource connects the relay and wires its notify stream into a
// Broadcaster.
func NewProxySource(ctx context.Context, relay *upstream.Relay, log *zap.Logger) (*ProxySource, error) {
	s := &ProxySource{
		relay: relay,
		log:   log.Named("jobsource.proxy"),
		b:     NewBroadcaster(),
	}

	relay.OnNotify(s.onNotify)

	if err := relay.Connect(ctx); err != nil {
		return nil, fmt.Errorf("jobsource: connecting upstream relay: %w", err)
	}

	return s, nil
}

// Broadcaster exposes the Workbase stream.
func (s *ProxySource) Broadcaster() *Broadcaster {
	return s.b
}

// Relay returns the underlying upstream connection, for share forwarding.
func (s *ProxySource) Relay() *upstream.Relay {
	return s.relay
}

func (s *ProxySource) onNotify(n upstream.Notify) {
	branches, err := decodeBranches(n.MerkleBranches)
	if err != nil {
		s.log.Warn("discarding upstream notify with malformed merkle branches", zap.Error(err))
		return
	}

	prevHash, err := hexTo32(n.PrevHash)
	if err != nil {
		s.log.Warn("discarding upstream notify with malformed prevhash", zap.Error(err))
		return
	}

	version, err := hexToUint32(n.Version)
	if err != nil {
		s.log.Warn("discarding upstream notify with malformed version", zap.Error(err))
		return
	}
	nbits, err := hexToUint32(n.NBits)
	if err != nil {
		s.log.Warn("discarding upstream notify with malformed nbits", zap.Error(err))
		return
	}
	ntime, err := hexToUint32(n.NTime)
	if err != nil {
		s.log.Warn("discarding upstream notify with malformed ntime", zap.Error(err))
		return
	}

	seq := atomic.AddUint64(&s.seq, 1)
	wb := &Workbase{
		JobID:          fmt.Sprintf("u%x-%s", seq, n.JobID),
		PrevHash:       prevHash,
		Version:        version,
		NBits:          nbits,
		NTime:          ntime,
		CleanJobs:      n.CleanJobs,
		MerkleBranches: branches,
		Coinb1:         n.Coinb1,
		Coinb2:         n.Coinb2,
		CreatedAt:      time.Now(),
	}

	s.b.Publish(wb)
	s.log.Info("published upstream workbase", zap.String("job_id", wb.JobID), zap.Bool("clean_jobs", wb.CleanJobs))
}

func decodeBranches(hexBranches []string) ([][32]byte, error) {
	out := make([][32]byte, len(hexBranches))
	for i, h := range hexBranches {
		b, err := hexTo32(h)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func hexTo32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("expected 32 hex bytes, got %q", s)
	}
	copy(out[:], raw)
	return out, nil
}

func hexToUint32(s string) (uint32, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 4 {
		return 0, fmt.Errorf("expected 4 hex bytes, got %q", s)
	}
	return uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3]), nil
}
