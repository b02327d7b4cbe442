// Package loop is the live orchestrator: one decision cycle per received
// snapshot, optionally repeating on a fixed interval. Each cycle is
// AWAIT_SNAPSHOT → SCORE → GATE → SIZE → EMIT_INTENT or SKIP; cycles never
// overlap and cancellation lands between cycles, never mid-cycle.
package loop

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"optionpilot/internal/audit"
	"optionpilot/internal/broker"
	"optionpilot/internal/decision"
	"optionpilot/internal/observ"
	"optionpilot/internal/risk"
	"optionpilot/internal/snapshot"
)

// Config controls the orchestration; the decision policy itself lives in the
// pipeline.
type Config struct {
	// Interval is the wall-clock spacing between looped cycles.
	Interval time.Duration

	// LiveExecution hands intents to the execution collaborator. Off by
	// default: the terminal action is then logging the intent (dry run).
	LiveExecution bool

	// FetchRate caps snapshot source calls. Zero means uncapped.
	FetchRate rate.Limit

	// DedupeRetention bounds the idempotence window; snapshots older than
	// this can be re-decided. Default 24h.
	DedupeRetention time.Duration
}

// Loop drives the shared decision pipeline against a live snapshot source.
type Loop struct {
	cfg      Config
	source   snapshot.Source
	pipeline *decision.Pipeline
	executor broker.Executor
	sink     audit.Sink
	acct     *risk.AccountState
	limiter  *rate.Limiter
	dedupe   *decision.Deduper
}

func New(cfg Config, source snapshot.Source, pipeline *decision.Pipeline, executor broker.Executor, sink audit.Sink, acct *risk.AccountState) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.DedupeRetention == 0 {
		cfg.DedupeRetention = 24 * time.Hour
	}
	var limiter *rate.Limiter
	if cfg.FetchRate > 0 {
		limiter = rate.NewLimiter(cfg.FetchRate, 1)
	}
	if executor == nil {
		executor = broker.DryRun{}
	}
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Loop{
		cfg:      cfg,
		source:   source,
		pipeline: pipeline,
		executor: executor,
		sink:     sink,
		acct:     acct,
		limiter:  limiter,
		dedupe:   decision.NewDeduper(cfg.DedupeRetention),
	}
}

// Run executes cycles until the context is cancelled or the source is
// exhausted. A failed fetch is logged and followed by the next scheduled
// cycle; it is never fatal. The audit log is flushed before returning.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		if err := l.sink.Flush(); err != nil {
			log.Error().Err(err).Msg("audit flush on shutdown")
		}
	}()

	for {
		if err := l.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, snapshot.ErrExhausted) {
				log.Info().Msg("snapshot source exhausted, stopping")
				return nil
			}
			var fe *snapshot.FetchError
			if errors.As(err, &fe) {
				log.Error().Err(fe).Msg("snapshot fetch failed, skipping cycle")
				observ.CollaboratorFailuresTotal.WithLabelValues("snapshot_source").Inc()
				observ.CyclesTotal.WithLabelValues("fetch_error").Inc()
			} else {
				log.Error().Err(err).Msg("cycle failed")
			}
		}

		// The inter-cycle wait is the loop's one cooperative suspension
		// point besides the fetch itself.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.Interval):
		}
	}
}

// RunOnce executes exactly one cycle: fetch, decide, emit.
func (l *Loop) RunOnce(ctx context.Context) error {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	snap, err := l.source.Next(ctx)
	if err != nil {
		return err
	}

	started := time.Now()
	l.maybeResetSession(snap.Timestamp)

	outcomes := l.pipeline.EvaluateContext(ctx, snap, l.acct, l.dedupe)
	for _, out := range outcomes {
		switch out.Stage {
		case decision.StageSized:
			l.emit(ctx, out)
		case decision.StageFailed:
			log.Error().Err(out.Err).Str("instrument", out.Instrument).
				Msg("instrument evaluation failed, siblings unaffected")
		}
	}

	if err := l.sink.Flush(); err != nil {
		log.Error().Err(err).Msg("audit flush")
	}
	observ.CyclesTotal.WithLabelValues("ok").Inc()
	observ.CycleDuration.Observe(time.Since(started).Seconds())
	observ.EquityGauge.Set(l.acct.Equity)
	return nil
}

// maybeResetSession clears daily risk state when the snapshot has rolled into
// a new UTC trading day. This is the only place Breached ever resets.
func (l *Loop) maybeResetSession(ts time.Time) {
	day := ts.UTC().Format("2006-01-02")
	if l.acct.SessionDate == day {
		return
	}
	if l.acct.SessionDate != "" {
		log.Info().Str("from", l.acct.SessionDate).Str("to", day).Msg("session boundary, resetting daily risk state")
		_ = l.sink.Append(audit.Record{
			Event:   audit.EventSessionReset,
			Details: map[string]any{"from": l.acct.SessionDate, "to": day, "equity": l.acct.Equity},
		})
	}
	l.acct.ResetSession(ts)
}

// emit is the terminal action for a sized intent. Dry run logs and releases
// the budget (no position actually opened); live execution hands the intent
// to the collaborator and releases the budget only when the collaborator
// failed or rejected.
func (l *Loop) emit(ctx context.Context, out decision.Outcome) {
	intent := *out.Intent
	log.Info().
		Str("instrument", intent.Instrument).
		Str("direction", string(intent.Direction)).
		Int("contracts", intent.Contracts).
		Float64("confidence", intent.Confidence).
		Bool("live", l.cfg.LiveExecution).
		Msg("order intent")

	if !l.cfg.LiveExecution {
		observ.IntentsEmittedTotal.WithLabelValues("dry_run").Inc()
		_ = l.sink.Append(audit.Record{
			Event: audit.EventIntentEmitted, Instrument: intent.Instrument, SnapshotTS: out.Timestamp,
			Details: map[string]any{"intent": intent, "status": broker.StatusDryRun},
		})
		l.acct.ApplyCancel()
		return
	}

	res, err := l.executor.Submit(ctx, intent)
	if err != nil {
		log.Error().Err(err).Str("instrument", intent.Instrument).Msg("execution collaborator failed")
		observ.CollaboratorFailuresTotal.WithLabelValues("executor").Inc()
		_ = l.sink.Append(audit.Record{
			Event: audit.EventIntentFailed, Instrument: intent.Instrument, SnapshotTS: out.Timestamp,
			Reason:  err.Error(),
			Details: map[string]any{"intent": intent},
		})
		l.acct.ApplyCancel()
		return
	}

	observ.IntentsEmittedTotal.WithLabelValues("live").Inc()
	_ = l.sink.Append(audit.Record{
		Event: audit.EventIntentEmitted, Instrument: intent.Instrument, SnapshotTS: out.Timestamp,
		Details: map[string]any{"intent": intent, "status": res.Status, "order_id": res.OrderID},
	})
	if res.Status == broker.StatusRejected {
		l.acct.ApplyCancel()
	}
}
