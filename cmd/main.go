// Command tradecore runs the position and risk coordination daemon.
// Alerts are read as JSON lines from a file or stdin, put to the configured
// advisory providers and, when admitted by the risk controller, executed on
// the configured exchange.
//
// Usage:
//
//	tradecore --config config.yaml --alerts alerts.jsonl
//	tail -f alerts.jsonl | tradecore --config config.yaml
//
// Required environment variables (an optional .env file is loaded first):
//
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
//	For Hyperliquid: HYPERLIQUID_PRIVATE_KEY
//	For the postgres lease backend: LEASE_POSTGRES_DSN
//	Advisory providers: LLM_API_KEY or the per-provider api_key_env
package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vadiminshakov/tradecore/config"
	"github.com/vadiminshakov/tradecore/internal"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"github.com/vadiminshakov/tradecore/internal/services/alertsource"
)

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(logger, cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	app, err := internal.Build(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to build coordination core", zap.Error(err))
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("failed to close storage", zap.Error(err))
		}
	}()

	feed, err := openFeed(cfg.AlertsPath)
	if err != nil {
		logger.Fatal("failed to open alert feed", zap.String("path", cfg.AlertsPath), zap.Error(err))
	}
	defer feed.Close()

	alerts := make(chan domain.Alert, cfg.Workers)
	source := alertsource.NewJSONLines(logger, feed)
	go func() {
		defer close(alerts)
		if err := source.Stream(ctx, alerts); err != nil && ctx.Err() == nil {
			logger.Error("alert feed stopped", zap.Error(err))
		}
	}()

	logger.Info("coordination core started",
		zap.String("platform", cfg.Exchange.Platform),
		zap.Int("providers", len(cfg.Providers)),
		zap.String("lease_backend", cfg.Lease.Backend),
		zap.String("alerts", cfg.AlertsPath))

	if err := app.Bot.Run(ctx, alerts); err != nil {
		logger.Error("coordination core stopped with error", zap.Error(err))
		return
	}
	logger.Info("coordination core stopped")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func serveMetrics(logger *zap.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return srv
}

func openFeed(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
