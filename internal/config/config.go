package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	State     StateConfig     `yaml:"state"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Signals   SignalsConfig   `yaml:"signals"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Risk      RiskConfig      `yaml:"risk"`
	Venues    []string        `yaml:"venues"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type StateConfig struct {
	SQLitePath       string `yaml:"sqlite_path"`
	JournalRetention int    `yaml:"journal_retention"`
}

type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type SignalsConfig struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MinWait     time.Duration `yaml:"min_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	Multiplier  float64       `yaml:"multiplier"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type AllocatorConfig struct {
	Alpha             float64       `yaml:"alpha"`
	Lookback          int           `yaml:"lookback"`
	MinWeight         float64       `yaml:"min_weight"`
	MaxWeight         float64       `yaml:"max_weight"`
	RiskFreePerPeriod float64       `yaml:"risk_free_per_period"`
	PeriodsPerYear    float64       `yaml:"periods_per_year"`
	SnapshotLogCap    int           `yaml:"snapshot_log_cap"`
	RebalanceInterval time.Duration `yaml:"rebalance_interval"`
}

type SymbolConfig struct {
	Volatility float64 `yaml:"volatility"`
	MinLot     float64 `yaml:"min_lot"`
	LotStep    float64 `yaml:"lot_step"`
}

type RiskConfig struct {
	AccountEquity   float64                 `yaml:"account_equity"`
	MaxRiskPerTrade float64                 `yaml:"max_risk_per_trade"`
	Symbols         map[string]SymbolConfig `yaml:"symbols"`
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
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/capital-router.db"
	}
	if cfg.State.JournalRetention == 0 {
		cfg.State.JournalRetention = 10000
	}
	if cfg.Signals.ReconnectDelay == 0 {
		cfg.Signals.ReconnectDelay = 3 * time.Second
	}
	if cfg.Signals.PingInterval == 0 {
		cfg.Signals.PingInterval = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.MinWait == 0 {
		cfg.Retry.MinWait = time.Second
	}
	if cfg.Retry.MaxWait == 0 {
		cfg.Retry.MaxWait = 10 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 3
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = 30 * time.Second
	}
	if cfg.Allocator.Alpha == 0 {
		cfg.Allocator.Alpha = 0.3
	}
	if cfg.Allocator.Lookback == 0 {
		cfg.Allocator.Lookback = 30
	}
	if cfg.Allocator.MinWeight == 0 {
		cfg.Allocator.MinWeight = 0.05
	}
	if cfg.Allocator.MaxWeight == 0 {
		cfg.Allocator.MaxWeight = 0.6
	}
	if cfg.Allocator.PeriodsPerYear == 0 {
		cfg.Allocator.PeriodsPerYear = 252
	}
	if cfg.Allocator.RebalanceInterval == 0 {
		cfg.Allocator.RebalanceInterval = time.Minute
	}
	if cfg.Risk.MaxRiskPerTrade == 0 {
		cfg.Risk.MaxRiskPerTrade = 0.01
	}
}

func validate(cfg *Config) error {
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.MinWait > cfg.Retry.MaxWait {
		return errors.New("retry.min_wait must be <= retry.max_wait")
	}
	if cfg.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}
	if cfg.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be >= 1")
	}
	if cfg.Breaker.Cooldown <= 0 {
		return errors.New("breaker.cooldown must be > 0")
	}
	if cfg.Allocator.Alpha < 0 || cfg.Allocator.Alpha >= 1 {
		return errors.New("allocator.alpha must be in [0, 1)")
	}
	if cfg.Allocator.Lookback < 2 {
		return errors.New("allocator.lookback must be >= 2")
	}
	if cfg.Allocator.MinWeight < 0 || cfg.Allocator.MaxWeight > 1 || cfg.Allocator.MinWeight > cfg.Allocator.MaxWeight {
		return errors.New("allocator weight bounds must satisfy 0 <= min <= max <= 1")
	}
	if cfg.Risk.AccountEquity <= 0 {
		return errors.New("risk.account_equity must be > 0")
	}
	if cfg.Risk.MaxRiskPerTrade <= 0 || cfg.Risk.MaxRiskPerTrade > 1 {
		return errors.New("risk.max_risk_per_trade must be in (0, 1]")
	}
	for symbol, sc := range cfg.Risk.Symbols {
		if sc.Volatility <= 0 {
			return fmt.Errorf("risk.symbols.%s.volatility must be > 0", symbol)
		}
	}
	if len(cfg.Venues) == 0 {
		return errors.New("at least one venue is required")
	}
	return nil
}
