package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"
	PlatformPaper       = "paper"

	LeaseBackendFile     = "file"
	LeaseBackendPostgres = "postgres"

	defaultLLMKeyEnv   = "LLM_API_KEY"
	defaultHLURL       = "https://api.hyperliquid.xyz"
	defaultLogLevel    = "info"
	defaultWorkers     = 4
	defaultQuote       = "USDT"
	defaultPaperFunds  = 10000
	defaultMaxNotional = 100
)

// Config is the validated daemon configuration.
type Config struct {
	Exchange    ExchangeConfig
	Instruments []InstrumentConfig
	Providers   []ProviderConfig
	Consensus   ConsensusConfig
	Risk        RiskConfig
	Tracker     TrackerConfig
	Lease       LeaseConfig
	Sizing      SizingConfig
	Storage     StorageConfig

	Workers     int
	MetricsAddr string
	LogLevel    string
	AlertsPath  string
}

type ExchangeConfig struct {
	Platform       string
	Testnet        bool
	Quote          string
	HyperliquidURL string
	PaperBalance   decimal.Decimal
	PaperStateDir  string
	// CallTimeout bounds a single exchange request.
	CallTimeout time.Duration

	APIKey    string
	APISecret string
	// PrivateKey hex key for hyperliquid.
	PrivateKey string
}

type InstrumentConfig struct {
	Instrument  domain.Pair
	QtyStep     decimal.Decimal
	MaxNotional decimal.Decimal
	Leverage    int
}

type ProviderConfig struct {
	Name   string
	URL    string
	Model  string
	APIKey string
}

type ConsensusConfig struct {
	EntryTimeout    time.Duration
	PositionTimeout time.Duration
	Grace           time.Duration
	MinResponses    int
}

type RiskConfig struct {
	AlertTTL          time.Duration
	Capacity          int
	ReversalWindow    int
	ReversalThreshold int
	AlertCooldown     time.Duration
	HistoryCap        int
	EvictInterval     time.Duration
}

type TrackerConfig struct {
	ReconcileInterval time.Duration
	CleanupInterval   time.Duration
	Epsilon           decimal.Decimal
	Staleness         time.Duration
	AdoptUntracked    bool
}

type LeaseConfig struct {
	Backend         string
	Dir             string
	PostgresDSN     string
	TTL             time.Duration
	CleanupInterval time.Duration
	// CallTimeout bounds a single lease store request.
	CallTimeout time.Duration
}

type SizingConfig struct {
	MaxNotional         decimal.Decimal
	Leverage            int
	MarginMode          domain.MarginMode
	DefaultSizeFraction float64
	QtyStep             decimal.Decimal
}

type StorageConfig struct {
	TradesDir    string
	DecisionsDir string
}

// ConfigTmp is the raw YAML document.
type ConfigTmp struct {
	Exchange struct {
		Platform       string `yaml:"platform"`
		Testnet        bool   `yaml:"testnet"`
		Quote          string `yaml:"quote"`
		HyperliquidURL string `yaml:"hyperliquid_url"`
		PaperBalance   string `yaml:"paper_balance"`
		PaperStateDir  string        `yaml:"paper_state_dir"`
		CallTimeout    time.Duration `yaml:"call_timeout"`
	} `yaml:"exchange"`
	Instruments []struct {
		Instrument  string `yaml:"instrument"`
		QtyStep     string `yaml:"qty_step"`
		MaxNotional string `yaml:"max_notional"`
		Leverage    int    `yaml:"leverage"`
	} `yaml:"instruments"`
	Providers []struct {
		Name      string `yaml:"name"`
		URL       string `yaml:"url"`
		Model     string `yaml:"model"`
		APIKeyEnv string `yaml:"api_key_env"`
	} `yaml:"providers"`
	Consensus struct {
		EntryTimeout    time.Duration `yaml:"entry_timeout"`
		PositionTimeout time.Duration `yaml:"position_timeout"`
		Grace           time.Duration `yaml:"grace"`
		MinResponses    int           `yaml:"min_responses"`
	} `yaml:"consensus"`
	Risk struct {
		AlertTTL          time.Duration `yaml:"alert_ttl"`
		Capacity          int           `yaml:"capacity"`
		ReversalWindow    int           `yaml:"reversal_window"`
		ReversalThreshold int           `yaml:"reversal_threshold"`
		AlertCooldown     time.Duration `yaml:"alert_cooldown"`
		HistoryCap        int           `yaml:"history_cap"`
		EvictInterval     time.Duration `yaml:"evict_interval"`
	} `yaml:"risk"`
	Tracker struct {
		ReconcileInterval time.Duration `yaml:"reconcile_interval"`
		CleanupInterval   time.Duration `yaml:"cleanup_interval"`
		Epsilon           string        `yaml:"epsilon"`
		Staleness         time.Duration `yaml:"staleness"`
		AdoptUntracked    bool          `yaml:"adopt_untracked"`
	} `yaml:"tracker"`
	Lease struct {
		Backend         string        `yaml:"backend"`
		Dir             string        `yaml:"dir"`
		TTL             time.Duration `yaml:"ttl"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		CallTimeout     time.Duration `yaml:"call_timeout"`
	} `yaml:"lease"`
	Sizing struct {
		MaxNotional         string  `yaml:"max_notional"`
		Leverage            int     `yaml:"leverage"`
		MarginMode          string  `yaml:"margin_mode"`
		DefaultSizeFraction float64 `yaml:"default_size_fraction"`
		QtyStep             string  `yaml:"qty_step"`
	} `yaml:"sizing"`
	Storage struct {
		TradesDir    string `yaml:"trades_dir"`
		DecisionsDir string `yaml:"decisions_dir"`
	} `yaml:"storage"`
	Workers     int    `yaml:"workers"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	AlertsPath  string `yaml:"alerts_path"`
}

// Load reads the YAML file at path. An optional .env file is loaded into the
// environment first; secrets are taken from the environment only.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	return Parse(data, os.Getenv)
}

// Parse builds a Config from YAML. getenv resolves secrets.
func Parse(data []byte, getenv func(string) string) (Config, error) {
	var raw ConfigTmp
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrap(err, "decode yaml config")
	}

	cfg, err := fromRaw(raw, getenv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func fromRaw(raw ConfigTmp, getenv func(string) string) (Config, error) {
	var err error
	cfg := Config{
		Workers:     raw.Workers,
		MetricsAddr: raw.MetricsAddr,
		LogLevel:    strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		AlertsPath:  raw.AlertsPath,
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	// exchange
	ex := raw.Exchange
	cfg.Exchange = ExchangeConfig{
		Platform:       strings.ToLower(strings.TrimSpace(ex.Platform)),
		Testnet:        ex.Testnet,
		Quote:          strings.ToUpper(strings.TrimSpace(ex.Quote)),
		HyperliquidURL: ex.HyperliquidURL,
		PaperStateDir:  ex.PaperStateDir,
		CallTimeout:    durationOr(ex.CallTimeout, 10*time.Second),
	}
	if cfg.Exchange.Platform == "" {
		cfg.Exchange.Platform = PlatformPaper
	}
	if cfg.Exchange.Quote == "" {
		cfg.Exchange.Quote = defaultQuote
	}
	if cfg.Exchange.HyperliquidURL == "" {
		cfg.Exchange.HyperliquidURL = defaultHLURL
	}
	if cfg.Exchange.PaperBalance, err = decimalOr(ex.PaperBalance, decimal.NewFromInt(defaultPaperFunds)); err != nil {
		return Config{}, fmt.Errorf("incorrect 'exchange.paper_balance' param in yaml config, error: %w", err)
	}
	switch cfg.Exchange.Platform {
	case PlatformBinance:
		cfg.Exchange.APIKey = getenv("BINANCE_API_KEY")
		cfg.Exchange.APISecret = getenv("BINANCE_API_SECRET")
	case PlatformBybit:
		cfg.Exchange.APIKey = getenv("BYBIT_API_KEY")
		cfg.Exchange.APISecret = getenv("BYBIT_API_SECRET")
	case PlatformHyperliquid:
		cfg.Exchange.PrivateKey = getenv("HYPERLIQUID_PRIVATE_KEY")
	}

	// instruments
	for i, in := range raw.Instruments {
		pair, err := domain.ParsePair(in.Instrument)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'instruments[%d].instrument' param in yaml config: %s, error: %w", i, in.Instrument, err)
		}
		ic := InstrumentConfig{Instrument: pair, Leverage: in.Leverage}
		if ic.QtyStep, err = decimalOr(in.QtyStep, decimal.Zero); err != nil {
			return Config{}, fmt.Errorf("incorrect 'instruments[%d].qty_step' param in yaml config, error: %w", i, err)
		}
		if ic.MaxNotional, err = decimalOr(in.MaxNotional, decimal.Zero); err != nil {
			return Config{}, fmt.Errorf("incorrect 'instruments[%d].max_notional' param in yaml config, error: %w", i, err)
		}
		cfg.Instruments = append(cfg.Instruments, ic)
	}

	// providers
	for _, p := range raw.Providers {
		keyEnv := p.APIKeyEnv
		if keyEnv == "" {
			keyEnv = defaultLLMKeyEnv
		}
		name := p.Name
		if name == "" {
			name = domain.NormalizeModelName(p.Model)
		}
		cfg.Providers = append(cfg.Providers, ProviderConfig{
			Name:   name,
			URL:    p.URL,
			Model:  p.Model,
			APIKey: getenv(keyEnv),
		})
	}

	cfg.Consensus = ConsensusConfig{
		EntryTimeout:    durationOr(raw.Consensus.EntryTimeout, 60*time.Second),
		PositionTimeout: durationOr(raw.Consensus.PositionTimeout, 180*time.Second),
		Grace:           durationOr(raw.Consensus.Grace, 2*time.Second),
		MinResponses:    max(raw.Consensus.MinResponses, 1),
	}

	cfg.Risk = RiskConfig{
		AlertTTL:          durationOr(raw.Risk.AlertTTL, 24*time.Hour),
		Capacity:          intOr(raw.Risk.Capacity, 100),
		ReversalWindow:    intOr(raw.Risk.ReversalWindow, 3),
		ReversalThreshold: intOr(raw.Risk.ReversalThreshold, 2),
		AlertCooldown:     raw.Risk.AlertCooldown,
		HistoryCap:        intOr(raw.Risk.HistoryCap, 10),
		EvictInterval:     durationOr(raw.Risk.EvictInterval, time.Minute),
	}
	if cfg.Risk.AlertCooldown == 0 {
		cfg.Risk.AlertCooldown = 15 * time.Minute
	}

	cfg.Tracker = TrackerConfig{
		ReconcileInterval: durationOr(raw.Tracker.ReconcileInterval, 30*time.Second),
		CleanupInterval:   durationOr(raw.Tracker.CleanupInterval, 10*time.Minute),
		Staleness:         durationOr(raw.Tracker.Staleness, 24*time.Hour),
		AdoptUntracked:    raw.Tracker.AdoptUntracked,
	}
	if cfg.Tracker.Epsilon, err = decimalOr(raw.Tracker.Epsilon, decimal.RequireFromString("0.0001")); err != nil {
		return Config{}, fmt.Errorf("incorrect 'tracker.epsilon' param in yaml config, error: %w", err)
	}

	cfg.Lease = LeaseConfig{
		Backend:         strings.ToLower(strings.TrimSpace(raw.Lease.Backend)),
		Dir:             raw.Lease.Dir,
		TTL:             durationOr(raw.Lease.TTL, 60*time.Second),
		CleanupInterval: durationOr(raw.Lease.CleanupInterval, 5*time.Minute),
		CallTimeout:     durationOr(raw.Lease.CallTimeout, 5*time.Second),
	}
	if cfg.Lease.Backend == "" {
		cfg.Lease.Backend = LeaseBackendFile
	}
	if cfg.Lease.Dir == "" {
		cfg.Lease.Dir = "./wal/leases"
	}
	if cfg.Lease.Backend == LeaseBackendPostgres {
		cfg.Lease.PostgresDSN = getenv("LEASE_POSTGRES_DSN")
	}

	cfg.Sizing = SizingConfig{
		Leverage:            intOr(raw.Sizing.Leverage, 1),
		MarginMode:          domain.MarginMode(strings.ToLower(strings.TrimSpace(raw.Sizing.MarginMode))),
		DefaultSizeFraction: raw.Sizing.DefaultSizeFraction,
	}
	if cfg.Sizing.MarginMode == "" {
		cfg.Sizing.MarginMode = domain.MarginModeIsolated
	}
	if cfg.Sizing.DefaultSizeFraction == 0 {
		cfg.Sizing.DefaultSizeFraction = 1
	}
	if cfg.Sizing.MaxNotional, err = decimalOr(raw.Sizing.MaxNotional, decimal.NewFromInt(defaultMaxNotional)); err != nil {
		return Config{}, fmt.Errorf("incorrect 'sizing.max_notional' param in yaml config, error: %w", err)
	}
	if cfg.Sizing.QtyStep, err = decimalOr(raw.Sizing.QtyStep, decimal.RequireFromString("0.001")); err != nil {
		return Config{}, fmt.Errorf("incorrect 'sizing.qty_step' param in yaml config, error: %w", err)
	}

	cfg.Storage = StorageConfig{
		TradesDir:    stringOr(raw.Storage.TradesDir, "./wal/trades"),
		DecisionsDir: stringOr(raw.Storage.DecisionsDir, "./wal/decisions"),
	}

	return cfg, nil
}

// Validate checks cross-field constraints and required secrets.
func (c Config) Validate() error {
	switch c.Exchange.Platform {
	case PlatformBinance, PlatformBybit:
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			envPrefix := strings.ToUpper(c.Exchange.Platform)
			return errors.Errorf("%s_API_KEY and %s_API_SECRET environment variables must be set", envPrefix, envPrefix)
		}
	case PlatformHyperliquid:
		if c.Exchange.PrivateKey == "" {
			return errors.New("HYPERLIQUID_PRIVATE_KEY environment variable must be set")
		}
	case PlatformPaper:
		if !c.Exchange.PaperBalance.IsPositive() {
			return errors.New("exchange.paper_balance must be positive")
		}
	default:
		return errors.Errorf("unsupported platform %q", c.Exchange.Platform)
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one advisory provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.URL == "" || p.Model == "" {
			return errors.Errorf("providers[%d]: url and model are required", i)
		}
		if seen[p.Name] {
			return errors.Errorf("providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	if c.Consensus.MinResponses > len(c.Providers) {
		return errors.Errorf("consensus.min_responses %d exceeds provider count %d", c.Consensus.MinResponses, len(c.Providers))
	}

	if c.Risk.ReversalThreshold > c.Risk.ReversalWindow {
		return errors.Errorf("risk.reversal_threshold %d exceeds reversal_window %d", c.Risk.ReversalThreshold, c.Risk.ReversalWindow)
	}

	switch c.Lease.Backend {
	case LeaseBackendFile:
	case LeaseBackendPostgres:
		if c.Lease.PostgresDSN == "" {
			return errors.New("LEASE_POSTGRES_DSN environment variable must be set for the postgres lease backend")
		}
	default:
		return errors.Errorf("unsupported lease backend %q", c.Lease.Backend)
	}
	if c.Lease.TTL <= 0 {
		return errors.New("lease.ttl must be positive")
	}
	// every exchange call made under a lease has to fit inside it
	if c.Exchange.CallTimeout <= 0 || c.Exchange.CallTimeout >= c.Lease.TTL {
		return errors.Errorf("exchange.call_timeout %s must be positive and below lease.ttl %s", c.Exchange.CallTimeout, c.Lease.TTL)
	}
	if c.Lease.CallTimeout <= 0 || c.Lease.CallTimeout >= c.Lease.TTL {
		return errors.Errorf("lease.call_timeout %s must be positive and below lease.ttl %s", c.Lease.CallTimeout, c.Lease.TTL)
	}

	if !c.Sizing.MarginMode.IsValid() {
		return errors.Errorf("unsupported margin mode %q", c.Sizing.MarginMode)
	}
	if c.Sizing.DefaultSizeFraction <= 0 || c.Sizing.DefaultSizeFraction > 1 {
		return errors.Errorf("sizing.default_size_fraction %v must be in (0, 1]", c.Sizing.DefaultSizeFraction)
	}
	if !c.Sizing.MaxNotional.IsPositive() {
		return errors.New("sizing.max_notional must be positive")
	}

	return nil
}

func decimalOr(value string, fallback decimal.Decimal) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	return decimal.NewFromString(value)
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func intOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func stringOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
