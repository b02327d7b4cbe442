// Package decision is the shared per-snapshot decision function: features →
// strategy ensemble → tape health gate → risk sizing. The live loop and the
// replay engine both call EvaluateContext, so a snapshot produces
// byte-for-byte comparable outcomes regardless of which orchestrator drove
// it; only the sink differs.
package decision

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"optionpilot/internal/audit"
	"optionpilot/internal/features"
	"optionpilot/internal/gate"
	"optionpilot/internal/observ"
	"optionpilot/internal/risk"
	"optionpilot/internal/snapshot"
	"optionpilot/internal/strategy"
)

// Stage records how far an instrument made it through the pipeline.
type Stage string

const (
	StageNoSignal     Stage = "no_signal"
	StageDuplicate    Stage = "duplicate"
	StageGateRejected Stage = "gate_rejected"
	StageRiskRejected Stage = "risk_rejected"
	StageSized        Stage = "sized"
	StageFailed       Stage = "failed"
)

// Outcome is one instrument's result for one snapshot.
type Outcome struct {
	Instrument string
	Timestamp  time.Time
	Features   features.Set
	Signal     *strategy.Signal
	Stage      Stage
	Reason     string
	Gate       *gate.Result
	Intent     *risk.OrderIntent
	Err        error
}

// Pipeline bundles the four stateless stages plus the audit sink they write
// to. One Pipeline value serves both orchestrators.
type Pipeline struct {
	Features   features.Config
	Strategies *strategy.Registry
	Gate       gate.Thresholds
	Risk       *risk.Manager
	Audit      audit.Sink

	// Parallel scores instruments concurrently within a cycle. Scoring is
	// stateless so this is safe; sizing always runs sequentially in sorted
	// symbol order, which keeps results identical either way. The replay
	// engine leaves it off.
	Parallel bool
}

// scored is the stateless half of one instrument's evaluation.
type scored struct {
	outcome  Outcome
	view     snapshot.InstrumentView
	refPrice float64
	hasPrice bool
}

// EvaluateContext runs the full pipeline for every instrument in the
// snapshot. A failure in one instrument is isolated: siblings are still
// evaluated and the failed instrument reports StageFailed. AccountState is
// read and written only in the sequential sizing phase, one decision at a
// time, because the risk budget is a shared ceiling across instruments.
//
// dedupe may be nil (replay). When present, instruments already decided for
// this snapshot timestamp skip sizing entirely so re-running a snapshot can
// never double-count risk budget.
func (p *Pipeline) EvaluateContext(ctx context.Context, snap snapshot.Context, acct *risk.AccountState, dedupe *Deduper) []Outcome {
	symbols := snap.Symbols()
	results := make([]scored, len(symbols))

	score := func(i int) {
		sym := symbols[i]
		results[i] = p.score(sym, snap.Instruments[sym], snap.Timestamp)
	}
	if p.Parallel && len(symbols) > 1 {
		g, _ := errgroup.WithContext(ctx)
		for i := range symbols {
			i := i
			g.Go(func() error {
				score(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range symbols {
			score(i)
		}
	}

	outcomes := make([]Outcome, 0, len(symbols))
	for i := range results {
		outcomes = append(outcomes, p.size(results[i], acct, snap.Timestamp, dedupe))
	}
	return outcomes
}

// score is the stateless part: features, strategy, gate. It never touches
// AccountState and is safe to run concurrently across instruments.
func (p *Pipeline) score(sym string, view snapshot.InstrumentView, ts time.Time) (out scored) {
	defer func() {
		if r := recover(); r != nil {
			out = scored{outcome: Outcome{
				Instrument: sym,
				Timestamp:  ts,
				Stage:      StageFailed,
				Err:        fmt.Errorf("instrument %s: %v", sym, r),
			}}
		}
	}()

	feats := features.Extract(view, ts, p.Features)
	out = scored{
		outcome: Outcome{Instrument: sym, Timestamp: ts, Features: feats},
		view:    view,
	}

	sig, ok := p.Strategies.Evaluate(strategy.Input{
		Symbol:    sym,
		Timestamp: ts,
		View:      view,
		Features:  feats,
	})
	if !ok {
		out.outcome.Stage = StageNoSignal
		p.append(audit.Record{
			Event: audit.EventNoSignal, Instrument: sym, SnapshotTS: ts,
		})
		return out
	}
	out.outcome.Signal = &sig
	observ.SignalsTotal.WithLabelValues(string(sig.Direction)).Inc()
	p.append(audit.Record{
		Event: audit.EventSignal, Instrument: sym, SnapshotTS: ts,
		Details: map[string]any{
			"direction":  sig.Direction,
			"confidence": sig.Confidence,
			"metadata":   sig.Metadata,
		},
	})

	gr := gate.Check(sig, view, p.Gate)
	out.outcome.Gate = &gr
	if !gr.Passed {
		out.outcome.Stage = StageGateRejected
		out.outcome.Reason = gr.Reason
		annotated := sig.WithMetadata("gate_rejection", gr.Reason)
		out.outcome.Signal = &annotated
		observ.GateRejectionsTotal.WithLabelValues(gr.Reason).Inc()
		p.append(audit.Record{
			Event: audit.EventGateRejected, Instrument: sym, SnapshotTS: ts, Reason: gr.Reason,
			Details: map[string]any{"bars": gr.Bars, "volume": gr.Volume, "vwap_drift": gr.VWAPDrift},
		})
		return out
	}

	out.refPrice, out.hasPrice = risk.ReferencePrice(view, sig.Direction)
	return out
}

// size is the serialized part: exactly one read-modify-write of AccountState
// per instrument, in sorted symbol order.
func (p *Pipeline) size(s scored, acct *risk.AccountState, ts time.Time, dedupe *Deduper) Outcome {
	out := s.outcome
	if out.Stage != "" {
		return out
	}
	sig := *out.Signal

	if dedupe != nil && !dedupe.Claim(sig.Instrument, ts) {
		out.Stage = StageDuplicate
		return out
	}

	price := s.refPrice
	if !s.hasPrice {
		price = 0
	}
	wasBreached := acct.Breached
	intent, rej := p.Risk.Size(sig, price, s.view, acct, ts)
	if rej != nil {
		out.Stage = StageRiskRejected
		out.Reason = rej.Reason
		annotated := sig.WithMetadata("risk_rejection", rej.Reason)
		out.Signal = &annotated
		observ.RiskRejectionsTotal.WithLabelValues(rej.Reason).Inc()
		p.append(audit.Record{
			Event: audit.EventRiskRejected, Instrument: sig.Instrument, SnapshotTS: ts, Reason: rej.Reason,
		})
		if rej.Reason == risk.ReasonDailyLossCapBreached && !wasBreached {
			// First observation of the breach this session.
			observ.CircuitBreachesTotal.Inc()
			p.append(audit.Record{
				Event: audit.EventCircuitBreach, Instrument: sig.Instrument, SnapshotTS: ts,
				Details: map[string]any{
					"cumulative_daily_pnl": acct.CumulativeDailyPnL,
					"starting_equity":      acct.StartingEquity,
				},
			})
		}
		return out
	}

	// The sizing decision consumes risk budget immediately; a failed live
	// submission releases it via ApplyCancel at the sink.
	acct.ApplyOpen()
	out.Stage = StageSized
	out.Intent = &intent
	return out
}

func (p *Pipeline) append(rec audit.Record) {
	if p.Audit == nil {
		return
	}
	_ = p.Audit.Append(rec)
}
