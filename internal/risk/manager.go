// Package risk sizes gated signals into order intents under per-trade and
// daily risk ceilings. Sizing is a pure read-modify-write of the explicitly
// passed AccountState; rejections are expected outcomes, not errors.
package risk

import (
	"math"
	"time"

	"github.com/google/uuid"

	"optionpilot/internal/snapshot"
	"optionpilot/internal/strategy"
)

// Rejection reasons. Stable strings, part of the audit record format.
const (
	ReasonZeroSize             = "ZeroSize"
	ReasonLowConfidence        = "LowConfidence"
	ReasonMaxPositionsReached  = "MaxPositionsReached"
	ReasonDailyLossCapBreached = "DailyLossCapBreached"
	ReasonNoReferencePrice     = "NoReferencePrice"
)

// Config carries the risk ceilings. Validated at startup by the config
// layer; the manager assumes sane values.
type Config struct {
	PerTradeRiskFraction   float64 `yaml:"per_trade_risk_fraction"`  // default 0.02
	DailyLossCapFraction   float64 `yaml:"daily_loss_cap_fraction"`  // default 0.05
	MaxContractsPerTrade   int     `yaml:"max_contracts_per_trade"`  // default 5
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"` // default 1
	MinConfidence          float64 `yaml:"min_confidence"`           // default 0.55

	// StopFraction is the premium fraction at risk per contract and the
	// fallback stop distance when greeks are absent. TargetMultiplier is the
	// reward multiple applied to the stop distance.
	StopFraction     float64 `yaml:"stop_fraction"`     // default 0.20
	TargetMultiplier float64 `yaml:"target_multiplier"` // default 2.0

	// ContractMultiplier converts premium points into dollars. 100 for
	// standard US equity options.
	ContractMultiplier float64 `yaml:"contract_multiplier"`
}

func (c Config) Defaults() Config {
	if c.PerTradeRiskFraction == 0 {
		c.PerTradeRiskFraction = 0.02
	}
	if c.DailyLossCapFraction == 0 {
		c.DailyLossCapFraction = 0.05
	}
	if c.MaxContractsPerTrade == 0 {
		c.MaxContractsPerTrade = 5
	}
	if c.MaxConcurrentPositions == 0 {
		c.MaxConcurrentPositions = 1
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.55
	}
	if c.StopFraction == 0 {
		c.StopFraction = 0.20
	}
	if c.TargetMultiplier == 0 {
		c.TargetMultiplier = 2.0
	}
	if c.ContractMultiplier == 0 {
		c.ContractMultiplier = 100
	}
	return c
}

// OrderIntent is the terminal output of a successful decision. The core's
// responsibility ends at intent creation; an execution collaborator (live)
// or the fill simulator (replay) consumes it.
type OrderIntent struct {
	ID               string             `json:"id"`
	Instrument       string             `json:"instrument"`
	Direction        snapshot.Direction `json:"direction"`
	Contracts        int                `json:"contracts"`
	LimitPriceHint   float64            `json:"limit_price_hint"`
	StopPrice        float64            `json:"stop_price"`
	TargetPrice      float64            `json:"target_price"`
	RiskFractionUsed float64            `json:"risk_fraction_used"`
	Confidence       float64            `json:"confidence"`
	Timestamp        time.Time          `json:"timestamp"`
	SignalMetadata   map[string]any     `json:"signal_metadata,omitempty"`
}

// Rejection explains a refused sizing request.
type Rejection struct {
	Reason string `json:"reason"`
}

// Manager applies the risk policy. It holds configuration only; all mutable
// state lives in the AccountState passed per call.
type Manager struct {
	cfg Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.Defaults()}
}

// Breached reports whether the daily loss cap binds for the given account,
// making the breach sticky on first observation.
func (m *Manager) Breached(acct *AccountState) bool {
	if acct.Breached {
		return true
	}
	if acct.CumulativeDailyPnL <= -m.cfg.DailyLossCapFraction*acct.StartingEquity {
		acct.Breached = true
	}
	return acct.Breached
}

// Size turns a gated signal into an order intent or a rejection. entryPrice
// is the per-contract premium reference resolved by the caller; view supplies
// the underlying price and greeks for stop/target derivation. The circuit
// breaker is checked first: once the daily loss cap is crossed every call
// rejects with DailyLossCapBreached until ResetSession, regardless of
// confidence.
func (m *Manager) Size(sig strategy.Signal, entryPrice float64, view snapshot.InstrumentView, acct *AccountState, now time.Time) (OrderIntent, *Rejection) {
	if m.Breached(acct) {
		return OrderIntent{}, &Rejection{Reason: ReasonDailyLossCapBreached}
	}
	if sig.Confidence < m.cfg.MinConfidence {
		return OrderIntent{}, &Rejection{Reason: ReasonLowConfidence}
	}
	if acct.OpenPositions >= m.cfg.MaxConcurrentPositions {
		return OrderIntent{}, &Rejection{Reason: ReasonMaxPositionsReached}
	}
	if entryPrice <= 0 {
		return OrderIntent{}, &Rejection{Reason: ReasonNoReferencePrice}
	}

	// Risk per contract: the premium lost if the stop hits.
	contractRisk := entryPrice * m.cfg.ContractMultiplier * m.cfg.StopFraction
	budget := acct.Equity * m.cfg.PerTradeRiskFraction * sig.Confidence
	contracts := int(math.Floor(budget / contractRisk))
	if contracts > m.cfg.MaxContractsPerTrade {
		contracts = m.cfg.MaxContractsPerTrade
	}
	if headroom := m.cfg.MaxConcurrentPositions - acct.OpenPositions; contracts > headroom {
		contracts = headroom
	}
	if contracts <= 0 {
		return OrderIntent{}, &Rejection{Reason: ReasonZeroSize}
	}

	stop, target := m.stopTarget(entryPrice, sig.Direction, view)
	return OrderIntent{
		ID:               uuid.NewString(),
		Instrument:       sig.Instrument,
		Direction:        sig.Direction,
		Contracts:        contracts,
		LimitPriceHint:   entryPrice,
		StopPrice:        stop,
		TargetPrice:      target,
		RiskFractionUsed: m.cfg.PerTradeRiskFraction * sig.Confidence,
		Confidence:       sig.Confidence,
		Timestamp:        now,
		SignalMetadata:   sig.Metadata,
	}, nil
}

// stopTarget derives premium-space stop and target levels. With delta (and
// gamma, when present) available, the stop distance scales with how much the
// contract actually moves per underlying point; without greeks it falls back
// to the fixed StopFraction so absent data never silently means a zero stop.
func (m *Manager) stopTarget(entry float64, dir snapshot.Direction, view snapshot.InstrumentView) (stop, target float64) {
	frac := m.cfg.StopFraction
	if g := legGreeks(view, dir); g != nil && g.Delta != 0 {
		// An at-the-money contract (|delta| 0.5) keeps the configured stop;
		// deeper or further contracts widen or tighten proportionally, with
		// gamma nudging the band for convexity. Clamped so a bad greek
		// snapshot cannot produce a degenerate stop.
		frac = m.cfg.StopFraction * math.Abs(g.Delta) / 0.5
		frac *= 1 + math.Min(math.Abs(g.Gamma), 0.5)
		frac = math.Min(math.Max(frac, 0.05), 0.50)
	}
	stop = entry * (1 - frac)
	if stop < 0.01 {
		stop = 0.01
	}
	target = entry * (1 + m.cfg.TargetMultiplier*frac)
	return stop, target
}

// legGreeks picks the greeks of the signal-direction contract, if any
// contract in the chain snapshot carries them.
func legGreeks(view snapshot.InstrumentView, dir snapshot.Direction) *snapshot.Greeks {
	for _, cm := range view.OptionMetrics {
		if cm.ContractType == dir && cm.Greeks != nil {
			return cm.Greeks
		}
	}
	return nil
}

// ReferencePrice resolves the per-contract premium for the signal leg: quote
// midpoint first, then the latest tape aggregate close, then VWAP. ok=false
// means no usable price exists and the signal cannot be sized.
func ReferencePrice(view snapshot.InstrumentView, dir snapshot.Direction) (float64, bool) {
	if q, exists := view.OptionQuotes[dir]; exists {
		if mid, ok := q.Mid(); ok {
			return mid, true
		}
	}
	aggs := view.Aggregates(dir)
	for i := len(aggs) - 1; i >= 0; i-- {
		if aggs[i].Close > 0 {
			return aggs[i].Close, true
		}
		if aggs[i].VWAP > 0 {
			return aggs[i].VWAP, true
		}
	}
	return 0, false
}
