// Package alertsource turns structured alert feeds into domain alerts.
package alertsource

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"go.uber.org/zap"
)

const maxLineSize = 1 << 20

type alertPayload struct {
	Instrument string          `json:"instrument"`
	AlertType  string          `json:"alert_type"`
	Price      decimal.Decimal `json:"price"`
	Change24h  decimal.Decimal `json:"change_24h"`
	RawText    string          `json:"raw_text"`
	ReceivedAt *time.Time      `json:"received_at"`
}

// JSONLines reads one JSON alert per line.
type JSONLines struct {
	r      io.Reader
	logger *zap.Logger
	now    func() time.Time
}

// NewJSONLines creates a reader over r.
func NewJSONLines(logger *zap.Logger, r io.Reader) *JSONLines {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &JSONLines{
		r:      r,
		logger: logger.With(zap.String("component", "alert_source")),
		now:    time.Now,
	}
}

// Stream sends every valid alert to out until the reader is exhausted or ctx is done.
// Malformed lines are logged and skipped. out is not closed.
func (s *JSONLines) Stream(ctx context.Context, out chan<- domain.Alert) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		alert, err := Parse([]byte(text), s.now())
		if err != nil {
			s.logger.Warn("skipping malformed alert", zap.Int("line", line), zap.Error(err))
			continue
		}

		select {
		case out <- alert:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read alerts")
	}

	return nil
}

// Parse decodes one alert. received is used when the payload carries no timestamp.
func Parse(data []byte, received time.Time) (domain.Alert, error) {
	var payload alertPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.Alert{}, errors.Wrap(err, "decode alert")
	}

	instrument, err := domain.ParsePair(payload.Instrument)
	if err != nil {
		return domain.Alert{}, err
	}
	if payload.Price.IsNegative() {
		return domain.Alert{}, errors.Errorf("negative price %s", payload.Price)
	}

	alert := domain.Alert{
		Instrument: instrument,
		AlertType:  strings.ToLower(strings.TrimSpace(payload.AlertType)),
		Price:      payload.Price,
		Change24h:  payload.Change24h,
		RawText:    payload.RawText,
		ReceivedAt: received,
	}
	if payload.ReceivedAt != nil && !payload.ReceivedAt.IsZero() {
		alert.ReceivedAt = *payload.ReceivedAt
	}

	return alert, nil
}
