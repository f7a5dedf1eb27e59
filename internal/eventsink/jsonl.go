package eventsink

import (
	"encoding/json"
	"fmt"
	"os"
)

// JSONLWriter appends one JSON object per line. Flush calls the
// underlying file's Sync.
type JSONLWriter struct {
	f   *os.File
	enc *json.Encoder
}

type jsonlShareRecord struct {
	Type         string  `json:"type"`
	Timestamp    int64   `json:"timestamp"`
	Address      string  `json:"address"`
	WorkerName   string  `json:"workername"`
	PoolDiff     float64 `json:"pool_diff"`
	ShareDiff    float64 `json:"share_diff"`
	Result       bool    `json:"result"`
	BlockHeight  int64   `json:"blockheight,omitempty"`
	RejectReason string  `json:"reject_reason,omitempty"`
}

type jsonlBlockRecord struct {
	Type          string  `json:"type"`
	Timestamp     int64   `json:"timestamp"`
	BlockHeight   int64   `json:"blockheight"`
	BlockHash     string  `json:"blockhash"`
	Address       string  `json:"address"`
	WorkerName    string  `json:"workername"`
	Diff          float64 `json:"diff"`
	CoinbaseValue int64   `json:"coinbase_value,omitempty"`
}

// NewJSONLWriter opens (creating or appending to) the file at path.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventsink: opening jsonl file: %w", err)
	}
	return &JSONLWriter{f: f, enc: json.NewEncoder(f)}, nil
}

func (w *JSONLWriter) Write(e Event) error {
	switch e.Kind {
	case KindShare:
		s := e.Share
		return w.enc.Encode(jsonlShareRecord{
			Type:         "share",
			Timestamp:    s.Timestamp.Unix(),
			Address:      s.Address,
			WorkerName:   s.WorkerName,
			PoolDiff:     s.PoolDiff,
			ShareDiff:    s.ShareDiff,
			Result:       s.Accepted,
			BlockHeight:  s.BlockHeight,
			RejectReason: s.RejectReason,
		})
	case KindBlockFound:
		b := e.Block
		return w.enc.Encode(jsonlBlockRecord{
			Type:          "block_found",
			Timestamp:     b.Timestamp.Unix(),
			BlockHeight:   b.BlockHeight,
			BlockHash:     b.BlockHash,
			Address:       b.Address,
			WorkerName:    b.WorkerName,
			Diff:          b.Diff,
			CoinbaseValue: b.CoinbaseValue,
		})
	default:
		return fmt.Errorf("eventsink: unknown event kind %d", e.Kind)
	}
}

func (w *JSONLWriter) Flush() error {
	return w.f.Sync()
}

func (w *JSONLWriter) Close() error {
	_ = w.f.Sync()
	return w.f.Close()
}
