package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	WS        WSConfig        `yaml:"ws"`
	State     StateConfig     `yaml:"state"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Engine    EngineConfig    `yaml:"engine"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type GatewayConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type ArchiveConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DSN              string        `yaml:"dsn"`
	Schema           string        `yaml:"schema"`
	QueueSize        int           `yaml:"queue_size"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
}

type EngineConfig struct {
	Venue               string        `yaml:"venue"`
	EvalInterval        time.Duration `yaml:"eval_interval"`
	MaxPositions        int           `yaml:"max_positions"`
	QueueSize           int           `yaml:"queue_size"`
	CapitalUSD          float64       `yaml:"capital_usd"`
	PositionNotionalUSD float64       `yaml:"position_notional_usd"`
	MaxHoldingTime      time.Duration `yaml:"max_holding_time"`
}

type ScannerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	MinVolumeUSD float64       `yaml:"min_volume_usd"`
	MaxVolumeUSD float64       `yaml:"max_volume_usd"`
	Pairs        []string      `yaml:"pairs"`
}

type RiskConfig struct {
	MinFundingEdge      float64       `yaml:"min_funding_edge"`
	MaxNotionalUSD      float64       `yaml:"max_notional_usd"`
	MaxCapitalFraction  float64       `yaml:"max_capital_fraction"`
	DepthMultiplier     float64       `yaml:"depth_multiplier"`
	MaxSlippageFraction float64       `yaml:"max_slippage_fraction"`
	DeltaToleranceAbs   float64       `yaml:"delta_tolerance_abs"`
	DeltaToleranceFrac  float64       `yaml:"delta_tolerance_frac"`
	HysteresisBand      float64       `yaml:"hysteresis_band"`
	MaxSnapshotAge      time.Duration `yaml:"max_snapshot_age"`
	MaxDailyLossUSD     float64       `yaml:"max_daily_loss_usd"`
	MaxTotalLossUSD     float64       `yaml:"max_total_loss_usd"`
}

type ExecutionConfig struct {
	CorrectionAttempts int           `yaml:"correction_attempts"`
	FillTimeout        time.Duration `yaml:"fill_timeout"`
	FillPollInterval   time.Duration `yaml:"fill_poll_interval"`
	PriceBoundBps      float64       `yaml:"price_bound_bps"`
	TopUpRemainder     bool          `yaml:"top_up_remainder"`
	MatchEpsilon       float64       `yaml:"match_epsilon"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 50
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Gateway.RateLimit == 0 {
		cfg.Gateway.RateLimit = 10
	}
	if cfg.Gateway.RateBurst == 0 {
		cfg.Gateway.RateBurst = 20
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/basis-sentry.db"
	}
	if cfg.Archive.Schema == "" {
		cfg.Archive.Schema = "public"
	}
	if cfg.Archive.QueueSize == 0 {
		cfg.Archive.QueueSize = 256
	}
	if cfg.Archive.SnapshotInterval == 0 {
		cfg.Archive.SnapshotInterval = time.Minute
	}
	if cfg.Engine.Venue == "" {
		cfg.Engine.Venue = "primary"
	}
	if cfg.Engine.EvalInterval == 0 {
		cfg.Engine.EvalInterval = 15 * time.Second
	}
	if cfg.Engine.MaxPositions == 0 {
		cfg.Engine.MaxPositions = 3
	}
	if cfg.Engine.QueueSize == 0 {
		cfg.Engine.QueueSize = 16
	}
	if cfg.Scanner.Interval == 0 {
		cfg.Scanner.Interval = time.Minute
	}
	if cfg.Risk.MinFundingEdge == 0 {
		cfg.Risk.MinFundingEdge = 0.0003
	}
	if cfg.Risk.DepthMultiplier == 0 {
		cfg.Risk.DepthMultiplier = 3
	}
	if cfg.Risk.MaxSlippageFraction == 0 {
		cfg.Risk.MaxSlippageFraction = 0.5
	}
	if cfg.Risk.DeltaToleranceFrac == 0 {
		cfg.Risk.DeltaToleranceFrac = 0.02
	}
	if cfg.Risk.HysteresisBand == 0 {
		cfg.Risk.HysteresisBand = 0.0001
	}
	if cfg.Risk.MaxSnapshotAge == 0 {
		cfg.Risk.MaxSnapshotAge = 5 * time.Second
	}
	if cfg.Execution.CorrectionAttempts == 0 {
		cfg.Execution.CorrectionAttempts = 3
	}
	if cfg.Execution.FillTimeout == 0 {
		cfg.Execution.FillTimeout = 10 * time.Second
	}
	if cfg.Execution.FillPollInterval == 0 {
		cfg.Execution.FillPollInterval = 500 * time.Millisecond
	}
	if cfg.Execution.PriceBoundBps == 0 {
		cfg.Execution.PriceBoundBps = 10
	}
	if cfg.Execution.MatchEpsilon == 0 {
		cfg.Execution.MatchEpsilon = 1e-6
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
}

func validate(cfg *Config) error {
	if cfg.Gateway.BaseURL == "" {
		return errors.New("gateway.base_url is required")
	}
	if cfg.Engine.CapitalUSD <= 0 {
		return errors.New("engine.capital_usd must be > 0")
	}
	if cfg.Engine.PositionNotionalUSD <= 0 {
		return errors.New("engine.position_notional_usd must be > 0")
	}
	if cfg.Risk.MaxNotionalUSD > 0 && cfg.Engine.PositionNotionalUSD > cfg.Risk.MaxNotionalUSD {
		return errors.New("engine.position_notional_usd exceeds risk.max_notional_usd")
	}
	if cfg.Risk.MaxCapitalFraction < 0 || cfg.Risk.MaxCapitalFraction > 1 {
		return errors.New("risk.max_capital_fraction must be within [0, 1]")
	}
	if cfg.Archive.Enabled && cfg.Archive.DSN == "" {
		return errors.New("archive.dsn is required when archive is enabled")
	}
	return nil
}
