// Package advisor implements advisory providers backed by chat-completion models.
package advisor

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/tradecore/internal/clients"
	"github.com/vadiminshakov/tradecore/internal/consensus"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"go.uber.org/zap"
)

var (
	entryActions = map[domain.Action]bool{
		domain.ActionEnterLong:  true,
		domain.ActionEnterShort: true,
		domain.ActionHold:       true,
	}
	positionActions = map[domain.Action]bool{
		domain.ActionHold:         true,
		domain.ActionClose:        true,
		domain.ActionPartialClose: true,
		domain.ActionAdd:          true,
	}
)

// LLMProvider asks one model for an advisory decision.
type LLMProvider struct {
	name   string
	client clients.LLMClient
	logger *zap.Logger
}

var _ consensus.Provider = (*LLMProvider)(nil)

// NewLLMProvider creates a provider. name labels its votes, logs and metrics.
func NewLLMProvider(logger *zap.Logger, name string, client clients.LLMClient) (*LLMProvider, error) {
	if client == nil {
		return nil, errors.New("llm client is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("provider name is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LLMProvider{
		name:   name,
		client: client,
		logger: logger.With(zap.String("component", "advisor"), zap.String("provider", name)),
	}, nil
}

func (p *LLMProvider) Name() string {
	return p.name
}

// Evaluate returns the model's decision. Every failure, including an
// unparseable or out-of-scope answer, is a *domain.ProviderError.
func (p *LLMProvider) Evaluate(ctx context.Context, req consensus.Request) (domain.AdvisoryDecision, error) {
	userPrompt := BuildUserPrompt(req)

	p.logger.Debug("requesting decision",
		zap.String("instrument", req.Instrument.String()),
		zap.String("kind", string(req.Kind)))

	raw, err := p.client.Complete(ctx, SystemPrompt, userPrompt)
	if err != nil {
		return domain.AdvisoryDecision{}, p.fail(errors.Wrap(err, "complete"))
	}

	decision, err := domain.ParseAdvisoryDecision(raw)
	if err != nil {
		p.logger.Debug("unparseable answer", zap.String("raw", raw), zap.Error(err))
		return domain.AdvisoryDecision{}, p.fail(errors.Wrap(err, "parse decision"))
	}

	if !allowed(req.Kind, decision.Action) {
		return domain.AdvisoryDecision{}, p.fail(errors.Errorf("action %s not allowed for %s request", decision.Action, req.Kind))
	}

	return decision, nil
}

func (p *LLMProvider) fail(err error) error {
	return &domain.ProviderError{Provider: p.name, Err: err}
}

func allowed(kind domain.DecisionKind, action domain.Action) bool {
	if kind == domain.DecisionKindPosition {
		return positionActions[action]
	}
	return entryActions[action]
}
