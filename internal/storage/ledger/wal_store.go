// Package ledger persists executed trades in a write-ahead log.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

const (
	DefaultDir   = "./wal/trades"
	segmentLimit = 100
	maxSegments  = 10

	tradeKeyPrefix = "trade_"
)

// Record is one stored trade with its WAL index.
type Record struct {
	Index uint64
	Trade domain.TradeSummary
}

// WALStore is the trade ledger. Safe for concurrent use.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

var _ domain.TradeLedger = (*WALStore)(nil)

// NewWALStore initializes a WAL-backed trade ledger.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "trade_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init trade WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Record appends the trade summary.
func (s *WALStore) Record(ctx context.Context, trade domain.TradeSummary) error {
	if s == nil || s.wal == nil {
		return errors.New("trade ledger is not initialized")
	}
	if trade.Instrument == "" {
		return errors.New("trade instrument is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(trade)
	if err != nil {
		return errors.Wrap(err, "marshal trade")
	}

	key := fmt.Sprintf("%s%s", tradeKeyPrefix, trade.Instrument)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// TradesAfter returns all trades written after the provided WAL index.
func (s *WALStore) TradesAfter(index uint64) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("trade ledger is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(key, tradeKeyPrefix) {
			continue
		}

		var trade domain.TradeSummary
		if err := json.Unmarshal(payload, &trade); err != nil {
			return nil, errors.Wrap(err, "decode trade")
		}
		records = append(records, Record{Index: idx, Trade: trade})
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("trade ledger is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
