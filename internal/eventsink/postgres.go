package eventsink

import (
	"context"
	"fmt"

	"github.com/viddhana/pool/internal/storage"

	"go.uber.org/zap"
)

// PostgresWriter persists events via the shared storage client. Per-event
// failures are logged by the caller (the Sink's dispatch loop) and the
// event is dropped; the writer itself never blocks the drain loop beyond
// one insert's round trip.
type PostgresWriter struct {
	db  *storage.PostgresClient
	log *zap.Logger
}

// NewPostgresWriter wraps an already-connected PostgresClient.
func NewPostgresWriter(db *storage.PostgresClient, log *zap.Logger) *PostgresWriter {
	return &PostgresWriter{db: db, log: log.Named("eventsink.postgres")}
}

func (w *PostgresWriter) Write(e Event) error {
	ctx := context.Background()
	switch e.Kind {
	case KindShare:
		s := e.Share
		return w.db.InsertShare(ctx, &storage.Share{
			WorkerName:   workerIdentifier(s.Address, s.WorkerName),
			JobID:        s.JobID,
			Difficulty:   s.PoolDiff,
			ShareDiff:    s.ShareDiff,
			Valid:        s.Accepted,
			IsBlock:      s.BlockHeight != 0 && s.RejectReason == "",
			RejectReason: s.RejectReason,
			IPAddress:    s.IPAddress,
			SubmittedAt:  s.Timestamp,
		})
	case KindBlockFound:
		b := e.Block
		return w.db.InsertBlock(ctx, &storage.Block{
			Hash:       b.BlockHash,
			Height:     b.BlockHeight,
			WorkerName: workerIdentifier(b.Address, b.WorkerName),
			Difficulty: b.Diff,
			FoundAt:    b.Timestamp,
		})
	default:
		return fmt.Errorf("eventsink: unknown event kind %d", e.Kind)
	}
}

func (w *PostgresWriter) Flush() error {
	return nil
}

func (w *PostgresWriter) Close() error {
	w.db.Close()
	return nil
}

func workerIdentifier(address, workerName string) string {
	if workerName == "" {
		return address
	}
	return address + "." + workerName
}
