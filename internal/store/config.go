package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

type Config struct {
	Mode         string        `yaml:"mode" default:"PAPER" validate:"oneof=PAPER LIVE"`
	Exchange     string        `yaml:"exchange" default:"NSE" validate:"required"`
	Product      string        `yaml:"product" default:"MIS" validate:"oneof=MIS CNC NRML"`
	PollInterval time.Duration `yaml:"poll_interval" default:"60s" validate:"gt=0"`
	Universe     []string      `yaml:"universe" validate:"min=1,dive,required"`

	Session   SessionConfig   `yaml:"session"`
	Data      DataConfig      `yaml:"data"`
	Model     ModelConfig     `yaml:"model"`
	Signal    SignalConfig    `yaml:"signal"`
	Risk      RiskConfig      `yaml:"risk"`
	Stop      StopConfig      `yaml:"stop"`
	Execution ExecutionConfig `yaml:"execution"`
	Paper     PaperConfig     `yaml:"paper"`
	State     StateConfig     `yaml:"state"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	EOD       EODConfig       `yaml:"eod"`
}

// SessionConfig bounds the hours in which new decisions are taken (IST).
// Reconciliation of open orders runs regardless.
type SessionConfig struct {
	Enforce bool   `yaml:"enforce"`
	Open    string `yaml:"open" default:"09:15" validate:"datetime=15:04"`
	Close   string `yaml:"close" default:"15:30" validate:"datetime=15:04"`
}

type DataConfig struct {
	Source  string `yaml:"source" default:"STATIC" validate:"oneof=STATIC LIVE"`
	Candles int    `yaml:"candles" default:"400" validate:"gte=2"`
	// Static source parameters.
	BasePrice float64 `yaml:"base_price" default:"1000" validate:"gt=0"`
	Seed      int64   `yaml:"seed" default:"42"`
}

type ModelConfig struct {
	Kind           string   `yaml:"kind" default:"LINEAR" validate:"oneof=LINEAR ONNX"`
	ClassifierPath string   `yaml:"classifier_path" validate:"required"`
	RegressorPath  string   `yaml:"regressor_path" validate:"required"`
	Version        string   `yaml:"version" default:"v1"`
	Features       []string `yaml:"features"`
	// RuntimeLib is the onnxruntime shared library, ONNX only.
	RuntimeLib string `yaml:"runtime_lib"`
}

type SignalConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" default:"0.58" validate:"gte=0,lte=1"`
	MinReturnThreshold  float64 `yaml:"min_return_threshold" default:"0.002" validate:"gte=0"`
	// Zero means the long-side value.
	ShortConfidenceThreshold float64       `yaml:"short_confidence_threshold" validate:"gte=0,lte=1"`
	ShortMinReturnThreshold  float64       `yaml:"short_min_return_threshold" validate:"gte=0"`
	ExitConfidenceThreshold  float64       `yaml:"exit_confidence_threshold" default:"0.55" validate:"gte=0,lte=1"`
	ReturnNormalizer         float64       `yaml:"return_normalizer" default:"0.01" validate:"gt=0"`
	FreshnessWindow          time.Duration `yaml:"freshness_window" default:"2m" validate:"gte=0"`
}

type RiskConfig struct {
	StartingEquity       float64       `yaml:"starting_equity" default:"100000" validate:"gt=0"`
	RiskFraction         float64       `yaml:"risk_fraction" default:"0.1" validate:"gt=0,lte=1"`
	MaxPositions         int           `yaml:"max_positions" default:"10" validate:"gte=1"`
	MaxSymbolExposure    float64       `yaml:"max_symbol_exposure" default:"0.2" validate:"gt=0,lte=1"`
	MaxPortfolioExposure float64       `yaml:"max_portfolio_exposure" default:"1" validate:"gt=0"`
	LotSize              float64       `yaml:"lot_size" default:"1" validate:"gt=0"`
	Cooldown             time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// StopConfig sets protective exits as fractions of the entry price. Zero disables.
type StopConfig struct {
	StopLossPct   float64 `yaml:"stop_loss_pct" default:"0.06" validate:"gte=0,lt=1"`
	TakeProfitPct float64 `yaml:"take_profit_pct" default:"0.1" validate:"gte=0"`
}

type ExecutionConfig struct {
	OrderType            string        `yaml:"order_type" default:"MARKET" validate:"oneof=MARKET LIMIT"`
	LimitOffset          float64       `yaml:"limit_offset" validate:"gte=0,lt=1"`
	MaxSubmitRetries     int           `yaml:"max_submit_retries" default:"3" validate:"gte=0"`
	BackoffBase          time.Duration `yaml:"backoff_base" default:"500ms" validate:"gt=0"`
	BackoffMax           time.Duration `yaml:"backoff_max" default:"8s" validate:"gtefield=BackoffBase"`
	StaleAfter           time.Duration `yaml:"stale_after" default:"2m" validate:"gt=0"`
	PartialFillTimeout   time.Duration `yaml:"partial_fill_timeout" default:"5m" validate:"gt=0"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"5" validate:"gte=1"`
	RecoveryPolicy       string        `yaml:"recovery_policy" default:"RESUME" validate:"oneof=RESUME CANCEL"`
}

// PaperConfig tunes the simulated broker used in PAPER mode.
type PaperConfig struct {
	FillDelay    time.Duration `yaml:"fill_delay" default:"1s" validate:"gte=0"`
	PartialFills bool          `yaml:"partial_fills"`
	Slippage     float64       `yaml:"slippage" validate:"gte=0,lt=1"`
}

type StateConfig struct {
	Dir string `yaml:"dir" default:"state" validate:"required"`
}

type LedgerConfig struct {
	Store string `yaml:"store" default:"FILE" validate:"oneof=FILE MYSQL"`
	// DSN is read from LEDGER_DSN when empty.
	DSN string `yaml:"dsn"`
}

type AlertsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" default:"trading-alerts"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen" default:":9108"`
}

type EODConfig struct {
	At            string `yaml:"at" default:"15:40" validate:"datetime=15:04"`
	RetentionDays int    `yaml:"retention_days" default:"7" validate:"gte=0"`
}

// Validate checks the cross-field rules that struct tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Signal.ExitConfidenceThreshold > c.Signal.ConfidenceThreshold {
		return fmt.Errorf("signal.exit_confidence_threshold %.2f must not exceed confidence_threshold %.2f",
			c.Signal.ExitConfidenceThreshold, c.Signal.ConfidenceThreshold)
	}
	if c.Risk.MaxSymbolExposure > c.Risk.MaxPortfolioExposure {
		return fmt.Errorf("risk.max_symbol_exposure %.2f must not exceed max_portfolio_exposure %.2f",
			c.Risk.MaxSymbolExposure, c.Risk.MaxPortfolioExposure)
	}
	if c.Execution.OrderType == "LIMIT" && c.Execution.LimitOffset == 0 {
		return errors.New("execution.limit_offset is required for LIMIT orders")
	}
	if c.Ledger.Store == "MYSQL" && c.Ledger.DSN == "" {
		return errors.New("ledger.dsn (or LEDGER_DSN) is required for the MYSQL store")
	}
	if c.Session.Enforce && c.Session.Open >= c.Session.Close {
		return fmt.Errorf("session.open %s must be before session.close %s", c.Session.Open, c.Session.Close)
	}
	seen := make(map[string]bool, len(c.Universe))
	for _, s := range c.Universe {
		if seen[s] {
			return fmt.Errorf("universe lists %s twice", s)
		}
		seen[s] = true
	}
	return nil
}

// ShortThresholds returns the short-side entry thresholds, falling back to
// the long-side values when unset.
func (s SignalConfig) ShortThresholds() (confidence, minReturn float64) {
	confidence, minReturn = s.ShortConfidenceThreshold, s.ShortMinReturnThreshold
	if confidence == 0 {
		confidence = s.ConfidenceThreshold
	}
	if minReturn == 0 {
		minReturn = s.MinReturnThreshold
	}
	return confidence, minReturn
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (*Config, error) {
	var c Config
	// Defaults go in first so an explicit zero in the file survives.
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if c.Ledger.DSN == "" {
		c.Ledger.DSN = os.Getenv("LEDGER_DSN")
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}
