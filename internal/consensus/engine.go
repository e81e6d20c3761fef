package consensus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/metrics"
)

const (
	defaultEntryTimeout    = 60 * time.Second
	defaultPositionTimeout = 180 * time.Second
	defaultGrace           = 2 * time.Second
)

// Config timeouts and quorum of the engine.
type Config struct {
	// EntryTimeout per-call budget for entry decisions.
	EntryTimeout time.Duration
	// PositionTimeout per-call budget for position-management decisions.
	PositionTimeout time.Duration
	// Grace is added to the per-call budget to form the overall deadline.
	Grace time.Duration
	// MinResponses successful answers needed for a result, at least 1.
	MinResponses int
}

func (c Config) withDefaults() Config {
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = defaultEntryTimeout
	}
	if c.PositionTimeout <= 0 {
		c.PositionTimeout = defaultPositionTimeout
	}
	if c.Grace < 0 {
		c.Grace = 0
	} else if c.Grace == 0 {
		c.Grace = defaultGrace
	}
	if c.MinResponses < 1 {
		c.MinResponses = 1
	}
	return c
}

// Engine is stateless across invocations.
type Engine struct {
	providers []Provider
	reducer   Reducer
	cfg       Config
	logger    *zap.Logger
}

type answer struct {
	index    int
	decision domain.AdvisoryDecision
	err      error
}

// NewEngine creates an engine. Provider order is their priority.
func NewEngine(logger *zap.Logger, providers []Provider, reducer Reducer, cfg Config) (*Engine, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one advisory provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reducer == nil {
		reducer = MajorityReducer{}
	}
	cfg = cfg.withDefaults()
	if cfg.MinResponses > len(providers) {
		return nil, errors.Errorf("min responses %d exceeds provider count %d", cfg.MinResponses, len(providers))
	}

	return &Engine{
		providers: providers,
		reducer:   reducer,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "consensus")),
	}, nil
}

// Providers returns provider names in priority order.
func (e *Engine) Providers() []string {
	names := make([]string, len(e.providers))
	for i, p := range e.providers {
		names[i] = p.Name()
	}
	return names
}

// Decide asks every provider concurrently and reduces the answers that arrive before the deadline.
// Fewer successful answers than MinResponses yields *domain.NoConsensusError.
func (e *Engine) Decide(ctx context.Context, req Request) (domain.ConsensusResult, error) {
	budget := e.budget(req.Kind)
	ctx, cancel := context.WithTimeout(ctx, budget+e.cfg.Grace)
	defer cancel()

	// buffered so late providers never block after Decide returns
	answers := make(chan answer, len(e.providers))
	for i, p := range e.providers {
		go e.ask(ctx, i, p, req, budget, answers)
	}

	received := make([]*answer, len(e.providers))
	pending := len(e.providers)

collect:
	for pending > 0 {
		select {
		case a := <-answers:
			received[a.index] = &a
			pending--
		case <-ctx.Done():
			break collect
		}
	}

	var (
		votes    []Vote
		failures []*domain.ProviderError
		failed   []string
	)
	for i, p := range e.providers {
		a := received[i]
		switch {
		case a == nil:
			err := errors.Wrap(ctx.Err(), "no answer before deadline")
			failures = append(failures, &domain.ProviderError{Provider: p.Name(), Err: err})
			failed = append(failed, p.Name())
		case a.err != nil:
			failures = append(failures, asProviderError(p.Name(), a.err))
			failed = append(failed, p.Name())
		default:
			votes = append(votes, Vote{Provider: p.Name(), Priority: i, Decision: a.decision})
		}
	}

	if len(votes) < e.cfg.MinResponses {
		metrics.ConsensusOutcomes.WithLabelValues(string(req.Kind), "no_consensus").Inc()
		e.logger.Warn("no consensus",
			zap.String("instrument", req.Instrument.String()),
			zap.String("kind", string(req.Kind)),
			zap.Int("responses", len(votes)),
			zap.Int("failures", len(failures)))
		return domain.ConsensusResult{}, &domain.NoConsensusError{Succeeded: len(votes), Failures: failures}
	}

	reduced := e.reducer.Reduce(votes)
	reduced.Instrument = req.Instrument
	reduced.Kind = req.Kind
	reduced.Failed = failed
	for _, v := range votes {
		reduced.Responded = append(reduced.Responded, v.Provider)
	}

	metrics.ConsensusOutcomes.WithLabelValues(string(req.Kind), string(reduced.Action)).Inc()
	e.logger.Info("consensus reached",
		zap.String("instrument", req.Instrument.String()),
		zap.String("action", reduced.Action.String()),
		zap.String("confidence", reduced.Confidence.String()),
		zap.Int("agreement", reduced.Agreement()),
		zap.Strings("responded", reduced.Responded),
		zap.Strings("failed", reduced.Failed))

	return reduced, nil
}

func (e *Engine) ask(ctx context.Context, index int, p Provider, req Request, budget time.Duration, out chan<- answer) {
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	decision, err := p.Evaluate(callCtx, req)
	outcome := "ok"
	if err == nil {
		if verr := decision.Validate(); verr != nil {
			err = errors.Wrap(verr, "invalid decision")
			outcome = "invalid"
		}
	} else {
		outcome = "error"
		if callCtx.Err() != nil {
			outcome = "timeout"
		}
	}
	metrics.ProviderLatency.WithLabelValues(p.Name(), outcome).Observe(time.Since(start).Seconds())

	logger := e.logger.With(
		zap.String("provider", p.Name()),
		zap.String("instrument", req.Instrument.String()))
	if ctx.Err() != nil {
		logger.Warn("discarding late provider answer", zap.NamedError("answer_error", err))
	} else if err != nil {
		logger.Warn("provider failed", zap.Error(err))
	}

	out <- answer{index: index, decision: decision, err: err}
}

func (e *Engine) budget(kind domain.DecisionKind) time.Duration {
	if kind == domain.DecisionKindPosition {
		return e.cfg.PositionTimeout
	}
	return e.cfg.EntryTimeout
}

func asProviderError(name string, err error) *domain.ProviderError {
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return perr
	}
	return &domain.ProviderError{Provider: name, Err: err}
}
