package internal

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tradecore/config"
	"github.com/vadiminshakov/tradecore/internal/clients"
	"github.com/vadiminshakov/tradecore/internal/consensus"
	"github.com/vadiminshakov/tradecore/internal/coordinator"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/lease"
	"github.com/vadiminshakov/tradecore/internal/risk"
	"github.com/vadiminshakov/tradecore/internal/services/advisor"
	"github.com/vadiminshakov/tradecore/internal/services/exchange"
	"github.com/vadiminshakov/tradecore/internal/storage/decisions"
	"github.com/vadiminshakov/tradecore/internal/storage/ledger"
	"github.com/vadiminshakov/tradecore/internal/storage/paperstate"
	"github.com/vadiminshakov/tradecore/internal/tracker"
)

// App is the assembled coordination core.
type App struct {
	Bot       *TradingBot
	Positions *tracker.Reconciler
	Risk      *risk.Controller

	closers []func() error
}

// Close releases storage handles in reverse creation order.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build wires every component from the configuration.
func Build(ctx context.Context, logger *zap.Logger, cfg config.Config) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	ex, err := newExchange(logger, cfg.Exchange)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create exchange")
	}

	providers, err := newProviders(logger, cfg.Providers)
	if err != nil {
		return nil, err
	}

	engine, err := consensus.NewEngine(logger, providers, consensus.MajorityReducer{}, consensus.Config{
		EntryTimeout:    cfg.Consensus.EntryTimeout,
		PositionTimeout: cfg.Consensus.PositionTimeout,
		Grace:           cfg.Consensus.Grace,
		MinResponses:    cfg.Consensus.MinResponses,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create consensus engine")
	}

	app.Risk = risk.NewController(logger, risk.Config{
		AlertTTL:          cfg.Risk.AlertTTL,
		Capacity:          cfg.Risk.Capacity,
		ReversalWindow:    cfg.Risk.ReversalWindow,
		ReversalThreshold: cfg.Risk.ReversalThreshold,
		AlertCooldown:     cfg.Risk.AlertCooldown,
		HistoryCap:        cfg.Risk.HistoryCap,
	})

	app.Positions = tracker.NewReconciler(logger, ex, tracker.Config{
		Epsilon:        cfg.Tracker.Epsilon,
		Staleness:      cfg.Tracker.Staleness,
		AdoptUntracked: cfg.Tracker.AdoptUntracked,
		CallTimeout:    cfg.Exchange.CallTimeout,
	})

	store, closeStore, err := newLeaseStore(ctx, cfg.Lease)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create lease store")
	}
	app.closers = append(app.closers, closeStore)
	locker := lease.NewLocker(logger, store, cfg.Lease.TTL, lease.WithCallTimeout(cfg.Lease.CallTimeout))

	trades, err := ledger.NewWALStore(cfg.Storage.TradesDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open trade ledger")
	}
	app.closers = append(app.closers, trades.Close)

	journal, err := decisions.NewWALStore(cfg.Storage.DecisionsDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open decision journal")
	}
	app.closers = append(app.closers, journal.Close)

	coord, err := coordinator.New(logger, ex, locker, app.Risk, app.Positions, coordinatorConfig(cfg),
		coordinator.WithTradeLedger(trades))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create coordinator")
	}

	components := Components{
		Engine:      engine,
		Risk:        app.Risk,
		Positions:   app.Positions,
		Coordinator: coord,
		Journal:     journal,
	}
	if paper, ok := ex.(*exchange.Paper); ok {
		components.Marks = paper
	}

	loops := []Loop{
		{Name: "reconcile", Run: func(ctx context.Context) error {
			return app.Positions.Run(ctx, cfg.Tracker.ReconcileInterval, cfg.Tracker.CleanupInterval)
		}},
		{Name: "alert-eviction", Run: func(ctx context.Context) error {
			return app.Risk.Run(ctx, cfg.Risk.EvictInterval)
		}},
		{Name: "lease-cleanup", Run: func(ctx context.Context) error {
			return locker.RunCleanup(ctx, cfg.Lease.CleanupInterval)
		}},
	}

	app.Bot, err = NewTradingBot(logger, components, cfg.Workers, loops...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create trading bot")
	}

	if _, err := app.Positions.Reconcile(ctx); err != nil {
		logger.Warn("initial reconciliation failed", zap.Error(err))
	}

	return app, nil
}

// newExchange is the single point of dispatch to platform adapters.
func newExchange(logger *zap.Logger, cfg config.ExchangeConfig) (domain.Exchange, error) {
	switch cfg.Platform {
	case config.PlatformBinance:
		client := clients.NewBinanceFuturesClient(cfg.APIKey, cfg.APISecret, cfg.Testnet)
		return exchange.NewBinanceFutures(logger, client, cfg.Quote)
	case config.PlatformBybit:
		client := clients.NewBybitClient(cfg.APIKey, cfg.APISecret, cfg.Testnet)
		return exchange.NewBybit(logger, client, cfg.Quote)
	case config.PlatformHyperliquid:
		client, err := clients.NewHyperliquidClient(cfg.PrivateKey, cfg.HyperliquidURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create hyperliquid client")
		}
		return exchange.NewHyperliquid(logger, client.Exchange(), client.AccountAddress())
	case config.PlatformPaper:
		store, err := paperstate.NewStore(cfg.PaperStateDir, cfg.Quote)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open paper state")
		}
		return exchange.NewPaper(logger, cfg.PaperBalance, store)
	default:
		return nil, errors.Errorf("unsupported platform: %s", cfg.Platform)
	}
}

func newProviders(logger *zap.Logger, cfgs []config.ProviderConfig) ([]consensus.Provider, error) {
	providers := make([]consensus.Provider, 0, len(cfgs))
	for _, pc := range cfgs {
		client := clients.NewOpenAICompatibleClient(pc.URL, pc.APIKey, pc.Model)
		p, err := advisor.NewLLMProvider(logger, pc.Name, client)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create provider %s", pc.Name)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func newLeaseStore(ctx context.Context, cfg config.LeaseConfig) (lease.Store, func() error, error) {
	switch cfg.Backend {
	case config.LeaseBackendPostgres:
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open postgres")
		}
		store := lease.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	default:
		store, err := lease.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	}
}

func coordinatorConfig(cfg config.Config) coordinator.Config {
	out := coordinator.Config{
		MaxNotional:         cfg.Sizing.MaxNotional,
		Leverage:            cfg.Sizing.Leverage,
		MarginMode:          cfg.Sizing.MarginMode,
		DefaultSizeFraction: cfg.Sizing.DefaultSizeFraction,
		QtyStep:             cfg.Sizing.QtyStep,
		CallTimeout:         cfg.Exchange.CallTimeout,
		Instruments:         make(map[domain.Pair]coordinator.InstrumentSpec, len(cfg.Instruments)),
	}
	for _, in := range cfg.Instruments {
		out.Instruments[in.Instrument] = coordinator.InstrumentSpec{
			QtyStep:     in.QtyStep,
			MaxNotional: in.MaxNotional,
			Leverage:    in.Leverage,
		}
	}
	return out
}
