// Package decisions journals consensus outcomes so every acted-on decision can be audited.
package decisions

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

const (
	DefaultDir   = "./wal/decisions"
	segmentLimit = 100
	maxSegments  = 10

	consensusKeyPrefix = "consensus_"
)

// Event is the journaled form of a consensus result and what happened to it.
type Event struct {
	Instrument   string         `json:"instrument"`
	Kind         string         `json:"kind"`
	Action       string         `json:"action"`
	Confidence   string         `json:"confidence"`
	SizeFraction float64        `json:"size_fraction"`
	StopLoss     string         `json:"stop_loss"`
	TakeProfit   string         `json:"take_profit"`
	Reason       string         `json:"reason,omitempty"`
	TriggeredBy  string         `json:"triggered_by,omitempty"`
	AlertType    string         `json:"alert_type,omitempty"`
	Votes        map[string]int `json:"votes"`
	Responded    []string       `json:"responded"`
	Failed       []string       `json:"failed,omitempty"`
	// Outcome is executed, skipped, rejected, busy or failed.
	Outcome   string    `json:"outcome"`
	DecidedAt time.Time `json:"decided_at"`
}

// NewEvent builds a journal event from a consensus result.
func NewEvent(result domain.ConsensusResult, outcome string, at time.Time) Event {
	votes := make(map[string]int, len(result.Votes))
	for action, n := range result.Votes {
		votes[action.String()] = n
	}

	return Event{
		Instrument:   result.Instrument.String(),
		Kind:         string(result.Kind),
		Action:       result.Action.String(),
		Confidence:   result.Confidence.String(),
		SizeFraction: result.SizeFraction,
		StopLoss:     result.StopLoss.String(),
		TakeProfit:   result.TakeProfit.String(),
		Reason:       result.Reason,
		TriggeredBy:  result.TriggeredBy,
		AlertType:    result.AlertType,
		Votes:        votes,
		Responded:    result.Responded,
		Failed:       result.Failed,
		Outcome:      outcome,
		DecidedAt:    at.UTC(),
	}
}

// Levels returns the decoded stop-loss and take-profit prices.
func (e Event) Levels() (decimal.Decimal, decimal.Decimal, error) {
	sl, err := decimal.NewFromString(e.StopLoss)
	if err != nil {
		return decimal.Zero, decimal.Zero, errors.Wrap(err, "decode stop loss")
	}
	tp, err := decimal.NewFromString(e.TakeProfit)
	if err != nil {
		return decimal.Zero, decimal.Zero, errors.Wrap(err, "decode take profit")
	}
	return sl, tp, nil
}

// Record is one stored event with its WAL index.
type Record struct {
	Index uint64
	Event Event
}

// WALStore persists consensus events in a WAL.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed decision journal.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "decision_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init decision WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Save writes the event to WAL.
func (s *WALStore) Save(event Event) error {
	if s == nil || s.wal == nil {
		return errors.New("decision store is not initialized")
	}
	if event.Instrument == "" {
		return fmt.Errorf("decision event instrument is required")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal decision event")
	}

	key := fmt.Sprintf("%s%s", consensusKeyPrefix, event.Instrument)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// EventsAfter returns all decision events written after the provided WAL index.
func (s *WALStore) EventsAfter(index uint64) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("decision store is not initialized")
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
		if !strings.HasPrefix(key, consensusKeyPrefix) {
			continue
		}

		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errors.Wrap(err, "decode decision event")
		}
		records = append(records, Record{Index: idx, Event: event})
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
		return errors.New("decision store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
