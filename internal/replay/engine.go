// Package replay applies the identical decision pipeline to an archived
// snapshot sequence and folds the outcomes into an equity curve. No wall
// clock is consulted anywhere: given the same snapshots and configuration,
// two runs produce byte-identical curves and trade logs.
package replay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"optionpilot/internal/decision"
	"optionpilot/internal/risk"
	"optionpilot/internal/snapshot"
)

// ExitPolicy selects how simulated positions are closed. The exit rule is
// deliberately configurable: it is the one part of the system whose intended
// behavior is still unsettled, so it must not be hard-coded.
type ExitPolicy string

const (
	// ExitHorizon closes at the first aggregate close at or after the
	// holding horizon, or at the end-of-session close when the horizon is
	// never reached. This is the documented default.
	ExitHorizon ExitPolicy = "horizon"

	// ExitDeltaProjection closes immediately at a delta-leveraged projection
	// of the underlying move over the entry snapshot's bars.
	ExitDeltaProjection ExitPolicy = "delta_projection"
)

// ErrOutOfOrder means the input sequence violated the ascending-timestamp
// contract. It is a configuration error: fatal, never recovered mid-run.
var ErrOutOfOrder = errors.New("replay: snapshots out of order")

// Config tunes the fill simulation.
type Config struct {
	StartingEquity        float64       `yaml:"starting_equity"`          // default 10000
	CommissionPerContract float64       `yaml:"commission_per_contract"`  // per side, default 0.65
	MinFillPremium        float64       `yaml:"min_fill_premium"`         // default 0.05
	HoldingHorizon        time.Duration `yaml:"holding_horizon"`          // default 30m
	ExitPolicy            ExitPolicy    `yaml:"exit_policy"`              // default horizon
	ContractMultiplier    float64       `yaml:"contract_multiplier"`      // default 100
}

func (c Config) Defaults() Config {
	if c.StartingEquity == 0 {
		c.StartingEquity = 10000
	}
	if c.CommissionPerContract == 0 {
		c.CommissionPerContract = 0.65
	}
	if c.MinFillPremium == 0 {
		c.MinFillPremium = 0.05
	}
	if c.HoldingHorizon == 0 {
		c.HoldingHorizon = 30 * time.Minute
	}
	if c.ExitPolicy == "" {
		c.ExitPolicy = ExitHorizon
	}
	if c.ContractMultiplier == 0 {
		c.ContractMultiplier = 100
	}
	return c
}

// Trade is one simulated round trip.
type Trade struct {
	Instrument string             `json:"instrument"`
	Direction  snapshot.Direction `json:"direction"`
	Contracts  int                `json:"contracts"`
	EntryPrice float64            `json:"entry_price"`
	ExitPrice  float64            `json:"exit_price"`
	PnL        float64            `json:"pnl"`
	Confidence float64            `json:"confidence"`
	EntryTime  time.Time          `json:"entry_time"`
	ExitTime   time.Time          `json:"exit_time"`
	ExitReason string             `json:"exit_reason"`
}

// EquityCurvePoint is one appended-only sample of account value. One point
// per evaluated snapshot, whether or not it produced a trade.
type EquityCurvePoint struct {
	Timestamp        time.Time `json:"timestamp"`
	Equity           float64   `json:"equity"`
	DrawdownFromPeak float64   `json:"drawdown_from_peak"`
	TradeCount       int       `json:"trade_count"`
}

// Result is the replay output.
type Result struct {
	Curve        []EquityCurvePoint `json:"curve"`
	Trades       []Trade            `json:"trades"`
	FinalEquity  float64            `json:"final_equity"`
	ReturnPct    float64            `json:"return_pct"`
	MaxDrawdown  float64            `json:"max_drawdown"`
	Snapshots    int                `json:"snapshots"`
	SkippedFills int                `json:"skipped_fills"`
	WinRate      float64            `json:"win_rate"`
}

// openPosition tracks a simulated fill waiting for its exit.
type openPosition struct {
	intent    risk.OrderIntent
	entryTime time.Time
	deadline  time.Time
	lastRef   float64   // latest leg aggregate close, the end-of-session exit
	lastSeen  time.Time
}

// Engine folds snapshots into a Result. The fold is sequential: equity
// updates must apply in snapshot order.
type Engine struct {
	pipeline *decision.Pipeline
	cfg      Config
}

func New(pipeline *decision.Pipeline, cfg Config) *Engine {
	return &Engine{pipeline: pipeline, cfg: cfg.Defaults()}
}

// Run consumes the source in order. Out-of-order input aborts with
// ErrOutOfOrder.
func (e *Engine) Run(ctx context.Context, src snapshot.Source) (Result, error) {
	acct := risk.NewAccountState(e.cfg.StartingEquity)
	res := Result{}
	peak := acct.Equity
	open := map[string]*openPosition{}
	var lastTS time.Time
	var wins int

	for {
		snap, err := src.Next(ctx)
		if errors.Is(err, snapshot.ErrExhausted) {
			break
		}
		if err != nil {
			return Result{}, err
		}
		if !lastTS.IsZero() && !snap.Timestamp.After(lastTS) {
			return Result{}, fmt.Errorf("%w: %s then %s",
				ErrOutOfOrder, lastTS.Format(time.RFC3339), snap.Timestamp.Format(time.RFC3339))
		}

		// Session boundary: close whatever is still open at its last seen
		// reference (end-of-session close), then reset daily risk state.
		day := snap.Timestamp.UTC().Format("2006-01-02")
		if acct.SessionDate != "" && acct.SessionDate != day {
			for _, sym := range sortedKeys(open) {
				pos := open[sym]
				e.close(acct, &res, &wins, pos, pos.lastRef, pos.lastSeen, "session_close")
				delete(open, sym)
			}
			acct.ResetSession(snap.Timestamp)
		} else if acct.SessionDate == "" {
			acct.ResetSession(snap.Timestamp)
		}
		lastTS = snap.Timestamp

		// Exits first, so capital freed this snapshot is available to new
		// entries in the same snapshot.
		for _, sym := range sortedKeys(open) {
			pos := open[sym]
			view, ok := snap.Instruments[sym]
			if !ok {
				continue
			}
			if exit, at, found := horizonExit(view, pos); found {
				e.close(acct, &res, &wins, pos, exit, at, "horizon")
				delete(open, sym)
			}
		}

		outcomes := e.pipeline.EvaluateContext(ctx, snap, acct, nil)
		for _, out := range outcomes {
			if out.Stage != decision.StageSized {
				continue
			}
			intent := *out.Intent
			// One simulated position per instrument. A re-entry while the
			// first is still open would overwrite it in the book, so the
			// sized slot is released and the fill skipped.
			if _, held := open[out.Instrument]; held {
				res.SkippedFills++
				acct.ApplyCancel()
				continue
			}
			entry := intent.LimitPriceHint
			if entry < e.cfg.MinFillPremium {
				// Penny-option noise: no realistic fill exists down here.
				res.SkippedFills++
				acct.ApplyCancel()
				continue
			}
			view := snap.Instruments[out.Instrument]
			switch e.cfg.ExitPolicy {
			case ExitDeltaProjection:
				exit := deltaProjectionExit(intent, view, entry)
				pos := &openPosition{intent: intent, entryTime: snap.Timestamp}
				e.close(acct, &res, &wins, pos, exit, snap.Timestamp, "delta_projection")
			default:
				open[out.Instrument] = &openPosition{
					intent:    intent,
					entryTime: snap.Timestamp,
					deadline:  snap.Timestamp.Add(e.cfg.HoldingHorizon),
					lastRef:   entry,
					lastSeen:  snap.Timestamp,
				}
			}
		}

		res.Snapshots++
		if acct.Equity > peak {
			peak = acct.Equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - acct.Equity) / peak
		}
		if dd > res.MaxDrawdown {
			res.MaxDrawdown = dd
		}
		res.Curve = append(res.Curve, EquityCurvePoint{
			Timestamp:        snap.Timestamp,
			Equity:           acct.Equity,
			DrawdownFromPeak: dd,
			TradeCount:       len(res.Trades),
		})
	}

	// Source exhausted with positions still open: end-of-session close.
	for _, sym := range sortedKeys(open) {
		pos := open[sym]
		e.close(acct, &res, &wins, pos, pos.lastRef, pos.lastSeen, "session_close")
	}

	res.FinalEquity = acct.Equity
	if e.cfg.StartingEquity > 0 {
		res.ReturnPct = acct.Equity/e.cfg.StartingEquity - 1
	}
	if len(res.Trades) > 0 {
		res.WinRate = float64(wins) / float64(len(res.Trades))
	}
	return res, nil
}

// close realizes one round trip against the account and the trade log.
func (e *Engine) close(acct *risk.AccountState, res *Result, wins *int, pos *openPosition, exit float64, at time.Time, reason string) {
	intent := pos.intent
	pnl := (exit - intent.LimitPriceHint) * float64(intent.Contracts) * e.cfg.ContractMultiplier
	pnl -= e.cfg.CommissionPerContract * float64(intent.Contracts) * 2
	acct.ApplyClose(pnl)
	if pnl > 0 {
		*wins++
	}
	res.Trades = append(res.Trades, Trade{
		Instrument: intent.Instrument,
		Direction:  intent.Direction,
		Contracts:  intent.Contracts,
		EntryPrice: intent.LimitPriceHint,
		ExitPrice:  exit,
		PnL:        pnl,
		Confidence: intent.Confidence,
		EntryTime:  pos.entryTime,
		ExitTime:   at,
		ExitReason: reason,
	})
}

// horizonExit scans the position leg's tape in a later snapshot. The first
// aggregate at or past the deadline closes the position; short of that, the
// freshest aggregate close becomes the standing end-of-session exit.
func horizonExit(view snapshot.InstrumentView, pos *openPosition) (price float64, at time.Time, found bool) {
	aggs := view.Aggregates(pos.intent.Direction)
	for _, a := range aggs {
		if !a.Time.After(pos.lastSeen) {
			continue
		}
		if a.Close > 0 {
			pos.lastRef = a.Close
			pos.lastSeen = a.Time
		}
		if !a.Time.Before(pos.deadline) && a.Close > 0 {
			return a.Close, a.Time, true
		}
	}
	return 0, time.Time{}, false
}

// deltaProjectionExit reproduces the projection-style close: the underlying's
// move over the snapshot's bars, levered by the contract delta, applied to
// the entry premium. Kept as a selectable policy because the intended exit
// rule is explicitly unsettled.
func deltaProjectionExit(intent risk.OrderIntent, view snapshot.InstrumentView, entry float64) float64 {
	bars := view.UnderlyingBars
	dir := 1.0
	if intent.Direction == snapshot.Put {
		dir = -1
	}
	if len(bars) < 2 || bars[0].Close <= 0 {
		return entry * (1 + dir*0.2*intent.Confidence)
	}
	underlyingReturn := (bars[len(bars)-1].Close - bars[0].Close) / bars[0].Close

	delta := 0.5
	if intent.Direction == snapshot.Put {
		delta = 0.4
	}
	if g := legDelta(view, intent.Direction); g != 0 {
		delta = math.Abs(g)
	}
	leverage := math.Min(math.Max(delta*12, 1.5), 8.0)
	projected := entry * (1 + dir*underlyingReturn*leverage)
	floor := entry * 0.1
	return math.Max(floor, projected)
}

// sortedKeys keeps exit processing in a fixed instrument order so the trade
// log stays byte-identical across runs.
func sortedKeys(m map[string]*openPosition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func legDelta(view snapshot.InstrumentView, dir snapshot.Direction) float64 {
	for _, cm := range view.OptionMetrics {
		if cm.ContractType == dir && cm.Greeks != nil {
			return cm.Greeks.Delta
		}
	}
	return 0
}
