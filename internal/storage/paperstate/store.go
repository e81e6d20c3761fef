// Package paperstate persists paper exchange state so restarts keep balance, positions and resting orders.
package paperstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/domain"
)

const defaultStateDir = "./wal/paper"

// Store is a single JSON document per scope.
type Store struct {
	path string
}

// NewStore creates a state store under dir (default ./wal/paper) for the given scope.
func NewStore(dir, scope string) (*Store, error) {
	if dir == "" {
		dir = defaultStateDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create paper state dir")
	}

	name := sanitizeScope(scope)
	if name == "" {
		name = "default"
	}

	return &Store{path: filepath.Join(dir, fmt.Sprintf("%s.json", name))}, nil
}

// State represents all persisted paper exchange data.
type State struct {
	Balance   string           `json:"balance"`
	NextID    int64            `json:"next_id"`
	Positions []StoredPosition `json:"positions,omitempty"`
	Orders    []StoredOrder    `json:"orders,omitempty"`
	SavedAt   time.Time        `json:"saved_at"`
}

// StoredPosition is a serializable open position.
type StoredPosition struct {
	Instrument string              `json:"instrument"`
	Side       domain.PositionSide `json:"side"`
	Quantity   string              `json:"quantity"`
	EntryPrice string              `json:"entry_price"`
	Margin     string              `json:"margin"`
	Leverage   int                 `json:"leverage"`
}

// StoredOrder is a serializable resting protective order.
type StoredOrder struct {
	ID           string              `json:"id"`
	Instrument   string              `json:"instrument"`
	Side         domain.PositionSide `json:"side"`
	Quantity     string              `json:"quantity"`
	TriggerPrice string              `json:"trigger_price"`
	StopLoss     bool                `json:"stop_loss"`
}

// Load reads state from disk. A missing file yields nil state.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read paper state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode paper state")
	}

	return &state, nil
}

// Save writes state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode paper state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write paper state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist paper state")
	}

	return nil
}

// Decimal parses a stored decimal, treating empty as zero.
func Decimal(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}

	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "decode decimal %q", v)
	}

	return d, nil
}

func sanitizeScope(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}

	var b strings.Builder

	prevUnderscore := false

	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)

			prevUnderscore = false

			continue
		}

		if !prevUnderscore {
			b.WriteByte('_')

			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
