// Package config loads the YAML configuration shared by the decision loop
// and the replay binary. Defaults are applied on load; Validate rejects
// values the pipeline cannot run with.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"optionpilot/internal/features"
	"optionpilot/internal/gate"
	"optionpilot/internal/replay"
	"optionpilot/internal/risk"
	"optionpilot/internal/strategy"
)

// ConfigurationError is fatal at startup. The binaries exit rather than run
// with a partially sane config.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

type Features struct {
	VolWindowBars    int `yaml:"vol_window_bars"`
	MinAggregateBars int `yaml:"min_aggregate_bars"`
	RSIPeriod        int `yaml:"rsi_period"`
	EMAPeriod        int `yaml:"ema_period"`
}

type MomentumIV struct {
	Threshold      float64 `yaml:"threshold"`
	MomentumWeight float64 `yaml:"momentum_weight"`
	IVWeight       float64 `yaml:"iv_weight"`
	NewsWeight     float64 `yaml:"news_weight"`
	TapeWeight     float64 `yaml:"tape_weight"`
	IVNorm         float64 `yaml:"iv_norm"`
	TapeNorm       float64 `yaml:"tape_norm"`
}

type Ensemble struct {
	Policy string `yaml:"policy"` // pass_through | max_confidence | weighted_average
}

type Gate struct {
	MinBars      int     `yaml:"min_bars"`
	MinVolume    float64 `yaml:"min_volume"`
	MinVWAPDrift float64 `yaml:"min_vwap_drift"`
}

type Risk struct {
	RiskFraction         float64 `yaml:"risk_fraction"`
	DailyLossCapFraction float64 `yaml:"daily_loss_cap_fraction"`
	MaxContractsPerTrade int     `yaml:"max_contracts_per_trade"`
	MaxConcurrent        int     `yaml:"max_concurrent"`
	MinConfidence        float64 `yaml:"min_confidence"`
	StopFraction         float64 `yaml:"stop_fraction"`
	TargetMultiple       float64 `yaml:"target_multiple"`
}

type Loop struct {
	IntervalSeconds      int     `yaml:"interval_seconds"`
	LiveExecution        bool    `yaml:"live_execution"`
	FetchRatePerSecond   float64 `yaml:"fetch_rate_per_second"`
	DedupeRetentionHours int     `yaml:"dedupe_retention_hours"`
	MetricsAddr          string  `yaml:"metrics_addr"`
	OutboxPath           string  `yaml:"outbox_path"`
	AuditPath            string  `yaml:"audit_path"`
}

type Replay struct {
	StartingEquity        float64 `yaml:"starting_equity"`
	CommissionPerContract float64 `yaml:"commission_per_contract"`
	MinFillPremium        float64 `yaml:"min_fill_premium"`
	HoldingHorizonMinutes int     `yaml:"holding_horizon_minutes"`
	ExitPolicy            string  `yaml:"exit_policy"` // horizon | delta_projection
}

type Root struct {
	LogLevel    string     `yaml:"log_level"`
	LogPretty   bool       `yaml:"log_pretty"`
	Snapshots   string     `yaml:"snapshots"`    // JSONL snapshot path
	ArchivePath string     `yaml:"archive_path"` // SQLite archive path
	SnapshotURL string     `yaml:"snapshot_url"` // HTTP snapshot service base URL
	Features    Features   `yaml:"features"`
	Strategy    MomentumIV `yaml:"strategy"`
	Ensemble    Ensemble   `yaml:"ensemble"`
	Gate        Gate       `yaml:"gate"`
	Risk        Risk       `yaml:"risk"`
	Loop        Loop       `yaml:"loop"`
	Replay      Replay     `yaml:"replay"`
}

// Load reads path, applies defaults for any field left zero, and validates.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns a config usable without any file on disk.
func Default() Root {
	var c Root
	c.applyDefaults()
	return c
}

func (c *Root) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	fd := features.Config{}.Defaults()
	if c.Features.VolWindowBars == 0 {
		c.Features.VolWindowBars = fd.VolWindowBars
	}
	if c.Features.MinAggregateBars == 0 {
		c.Features.MinAggregateBars = fd.MinAggregateBars
	}
	if c.Features.RSIPeriod == 0 {
		c.Features.RSIPeriod = fd.RSIPeriod
	}
	if c.Features.EMAPeriod == 0 {
		c.Features.EMAPeriod = fd.EMAPeriod
	}

	sd := strategy.MomentumIVConfig{}.Defaults()
	if c.Strategy.Threshold == 0 {
		c.Strategy.Threshold = sd.MomentumThreshold
	}
	if c.Strategy.MomentumWeight == 0 {
		c.Strategy.MomentumWeight = sd.MomentumWeight
	}
	if c.Strategy.IVWeight == 0 {
		c.Strategy.IVWeight = sd.IVWeight
	}
	if c.Strategy.NewsWeight == 0 {
		c.Strategy.NewsWeight = sd.NewsWeight
	}
	if c.Strategy.TapeWeight == 0 {
		c.Strategy.TapeWeight = sd.TapeWeight
	}
	if c.Strategy.IVNorm == 0 {
		c.Strategy.IVNorm = sd.IVNorm
	}
	if c.Strategy.TapeNorm == 0 {
		c.Strategy.TapeNorm = sd.TapeNorm
	}

	if c.Ensemble.Policy == "" {
		c.Ensemble.Policy = string(strategy.PolicyPassThrough)
	}

	if c.Gate.MinBars == 0 && c.Gate.MinVolume == 0 && c.Gate.MinVWAPDrift == 0 {
		c.Gate.MinBars = 20
		c.Gate.MinVolume = 50
		c.Gate.MinVWAPDrift = 0.02
	}

	rd := risk.Config{}.Defaults()
	if c.Risk.RiskFraction == 0 {
		c.Risk.RiskFraction = rd.PerTradeRiskFraction
	}
	if c.Risk.DailyLossCapFraction == 0 {
		c.Risk.DailyLossCapFraction = rd.DailyLossCapFraction
	}
	if c.Risk.MaxContractsPerTrade == 0 {
		c.Risk.MaxContractsPerTrade = rd.MaxContractsPerTrade
	}
	if c.Risk.MaxConcurrent == 0 {
		c.Risk.MaxConcurrent = rd.MaxConcurrentPositions
	}
	if c.Risk.MinConfidence == 0 {
		c.Risk.MinConfidence = rd.MinConfidence
	}
	if c.Risk.StopFraction == 0 {
		c.Risk.StopFraction = rd.StopFraction
	}
	if c.Risk.TargetMultiple == 0 {
		c.Risk.TargetMultiple = rd.TargetMultiplier
	}

	if c.Loop.IntervalSeconds == 0 {
		c.Loop.IntervalSeconds = 60
	}
	if c.Loop.DedupeRetentionHours == 0 {
		c.Loop.DedupeRetentionHours = 24
	}
	if c.Loop.MetricsAddr == "" {
		c.Loop.MetricsAddr = ":9109"
	}
	if c.Loop.OutboxPath == "" {
		c.Loop.OutboxPath = "data/outbox.jsonl"
	}
	if c.Loop.AuditPath == "" {
		c.Loop.AuditPath = "data/audit.jsonl"
	}

	pd := replay.Config{}.Defaults()
	if c.Replay.StartingEquity == 0 {
		c.Replay.StartingEquity = pd.StartingEquity
	}
	if c.Replay.CommissionPerContract == 0 {
		c.Replay.CommissionPerContract = pd.CommissionPerContract
	}
	if c.Replay.MinFillPremium == 0 {
		c.Replay.MinFillPremium = pd.MinFillPremium
	}
	if c.Replay.HoldingHorizonMinutes == 0 {
		c.Replay.HoldingHorizonMinutes = int(pd.HoldingHorizon / time.Minute)
	}
	if c.Replay.ExitPolicy == "" {
		c.Replay.ExitPolicy = string(replay.ExitHorizon)
	}
}

// Validate rejects configs the pipeline cannot run with.
func (c *Root) Validate() error {
	if c.Strategy.Threshold <= 0 {
		return &ConfigurationError{"strategy.threshold", "must be positive"}
	}
	wsum := c.Strategy.MomentumWeight + c.Strategy.IVWeight + c.Strategy.NewsWeight + c.Strategy.TapeWeight
	if wsum <= 0 {
		return &ConfigurationError{"strategy", "weights must sum to a positive value"}
	}
	switch strategy.EnsemblePolicy(c.Ensemble.Policy) {
	case strategy.PolicyPassThrough, strategy.PolicyMaxConfidence, strategy.PolicyWeightedAverage:
	default:
		return &ConfigurationError{"ensemble.policy", fmt.Sprintf("unknown policy %q", c.Ensemble.Policy)}
	}
	if c.Gate.MinBars < 0 || c.Gate.MinVolume < 0 || c.Gate.MinVWAPDrift < 0 {
		return &ConfigurationError{"gate", "thresholds must not be negative"}
	}
	if c.Risk.RiskFraction <= 0 || c.Risk.RiskFraction > 1 {
		return &ConfigurationError{"risk.risk_fraction", "must be in (0, 1]"}
	}
	if c.Risk.DailyLossCapFraction <= 0 || c.Risk.DailyLossCapFraction > 1 {
		return &ConfigurationError{"risk.daily_loss_cap_fraction", "must be in (0, 1]"}
	}
	if c.Risk.MaxContractsPerTrade < 1 {
		return &ConfigurationError{"risk.max_contracts_per_trade", "must be at least 1"}
	}
	if c.Risk.MaxConcurrent < 1 {
		return &ConfigurationError{"risk.max_concurrent", "must be at least 1"}
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		return &ConfigurationError{"risk.min_confidence", "must be in [0, 1]"}
	}
	if c.Risk.StopFraction <= 0 || c.Risk.StopFraction >= 1 {
		return &ConfigurationError{"risk.stop_fraction", "must be in (0, 1)"}
	}
	if c.Risk.TargetMultiple <= 0 {
		return &ConfigurationError{"risk.target_multiple", "must be positive"}
	}
	if c.Loop.IntervalSeconds <= 0 {
		return &ConfigurationError{"loop.interval_seconds", "must be positive"}
	}
	if c.Replay.StartingEquity <= 0 {
		return &ConfigurationError{"replay.starting_equity", "must be positive"}
	}
	if c.Replay.MinFillPremium < 0 {
		return &ConfigurationError{"replay.min_fill_premium", "must not be negative"}
	}
	if c.Replay.CommissionPerContract < 0 {
		return &ConfigurationError{"replay.commission_per_contract", "must not be negative"}
	}
	switch replay.ExitPolicy(c.Replay.ExitPolicy) {
	case replay.ExitHorizon, replay.ExitDeltaProjection:
	default:
		return &ConfigurationError{"replay.exit_policy", fmt.Sprintf("unknown policy %q", c.Replay.ExitPolicy)}
	}
	return nil
}

// FeaturesConfig converts the section into the extractor's config type.
func (c *Root) FeaturesConfig() features.Config {
	return features.Config{
		VolWindowBars:    c.Features.VolWindowBars,
		MinAggregateBars: c.Features.MinAggregateBars,
		RSIPeriod:        c.Features.RSIPeriod,
		EMAPeriod:        c.Features.EMAPeriod,
	}
}

// StrategyConfig converts the section into the strategy's config type.
func (c *Root) StrategyConfig() strategy.MomentumIVConfig {
	return strategy.MomentumIVConfig{
		MomentumThreshold: c.Strategy.Threshold,
		MomentumWeight:    c.Strategy.MomentumWeight,
		IVWeight:          c.Strategy.IVWeight,
		NewsWeight:        c.Strategy.NewsWeight,
		TapeWeight:        c.Strategy.TapeWeight,
		IVNorm:            c.Strategy.IVNorm,
		TapeNorm:          c.Strategy.TapeNorm,
	}.Defaults()
}

// GateThresholds converts the section into the gate's threshold type.
func (c *Root) GateThresholds() gate.Thresholds {
	return gate.Thresholds{
		MinBars:      c.Gate.MinBars,
		MinVolume:    c.Gate.MinVolume,
		MinVWAPDrift: c.Gate.MinVWAPDrift,
	}
}

// RiskConfig converts the section into the risk manager's config type.
func (c *Root) RiskConfig() risk.Config {
	return risk.Config{
		PerTradeRiskFraction:   c.Risk.RiskFraction,
		DailyLossCapFraction:   c.Risk.DailyLossCapFraction,
		MaxContractsPerTrade:   c.Risk.MaxContractsPerTrade,
		MaxConcurrentPositions: c.Risk.MaxConcurrent,
		MinConfidence:          c.Risk.MinConfidence,
		StopFraction:           c.Risk.StopFraction,
		TargetMultiplier:       c.Risk.TargetMultiple,
	}.Defaults()
}

// ReplayConfig converts the section into the replay engine's config type.
func (c *Root) ReplayConfig() replay.Config {
	return replay.Config{
		StartingEquity:        c.Replay.StartingEquity,
		CommissionPerContract: c.Replay.CommissionPerContract,
		MinFillPremium:        c.Replay.MinFillPremium,
		HoldingHorizon:        time.Duration(c.Replay.HoldingHorizonMinutes) * time.Minute,
		ExitPolicy:            replay.ExitPolicy(c.Replay.ExitPolicy),
	}.Defaults()
}
