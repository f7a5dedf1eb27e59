package eventsink

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// CSVWriter appends fixed-column rows, one event type per destination file
// so columns stay rectangular. Quote/comma escaping is delegated to
// encoding/csv, which implements the same doubled-quote convention the
// column layout requires.
type CSVWriter struct {
	shareFile *os.File
	shareW    *csv.Writer
	blockFile *os.File
	blockW    *csv.Writer
}

var shareColumns = []string{"timestamp", "address", "workername", "pool_diff", "share_diff", "result", "blockheight", "reject_reason"}
var blockColumns = []string{"timestamp", "blockheight", "blockhash", "address", "workername", "diff", "coinbase_value"}

// NewCSVWriter opens (creating if absent) shares.csv and blocks.csv
// alongside basePath, writing headers only for newly created files.
func NewCSVWriter(basePath string) (*CSVWriter, error) {
	sharePath := basePath + ".shares.csv"
	blockPath := basePath + ".blocks.csv"

	shareFile, shareIsNew, err := openAppendCSV(sharePath)
	if err != nil {
		return nil, err
	}
	blockFile, blockIsNew, err := openAppendCSV(blockPath)
	if err != nil {
		shareFile.Close()
		return nil, err
	}

	w := &CSVWriter{
		shareFile: shareFile,
		shareW:    csv.NewWriter(shareFile),
		blockFile: blockFile,
		blockW:    csv.NewWriter(blockFile),
	}
	if shareIsNew {
		if err := w.shareW.Write(shareColumns); err != nil {
			return nil, fmt.Errorf("eventsink: writing csv header: %w", err)
		}
	}
	if blockIsNew {
		if err := w.blockW.Write(blockColumns); err != nil {
			return nil, fmt.Errorf("eventsink: writing csv header: %w", err)
		}
	}
	return w, nil
}

func openAppendCSV(path string) (*os.File, bool, error) {
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("eventsink: opening csv file %s: %w", path, err)
	}
	return f, isNew, nil
}

func (w *CSVWriter) Write(e Event) error {
	switch e.Kind {
	case KindShare:
		s := e.Share
		return w.shareW.Write([]string{
			strconv.FormatInt(s.Timestamp.Unix(), 10),
			s.Address,
			s.WorkerName,
			strconv.FormatFloat(s.PoolDiff, 'f', -1, 64),
			strconv.FormatFloat(s.ShareDiff, 'f', -1, 64),
			strconv.FormatBool(s.Accepted),
			strconv.FormatInt(s.BlockHeight, 10),
			s.RejectReason,
		})
	case KindBlockFound:
		b := e.Block
		return w.blockW.Write([]string{
			strconv.FormatInt(b.Timestamp.Unix(), 10),
			strconv.FormatInt(b.BlockHeight, 10),
			b.BlockHash,
			b.Address,
			b.WorkerName,
			strconv.FormatFloat(b.Diff, 'f', -1, 64),
			strconv.FormatInt(b.CoinbaseValue, 10),
		})
	default:
		return fmt.Errorf("eventsink: unknown event kind %d", e.Kind)
	}
}

func (w *CSVWriter) Flush() error {
	w.shareW.Flush()
	w.blockW.Flush()
	if err := w.shareW.Error(); err != nil {
		return err
	}
	return w.blockW.Error()
}

func (w *CSVWriter) Close() error {
	w.shareW.Flush()
	w.blockW.Flush()
	if err := w.shareFile.Close(); err != nil {
		return err
	}
	return w.blockFile.Close()
}
