package loop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"optionpilot/internal/audit"
	"optionpilot/internal/broker"
	"optionpilot/internal/decision"
	"optionpilot/internal/features"
	"optionpilot/internal/gate"
	"optionpilot/internal/risk"
	"optionpilot/internal/snapshot"
	"optionpilot/internal/strategy"
)

var cycleTS = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

// scriptedSource returns a scripted sequence of snapshots and errors.
type scriptedSource struct {
	steps []func() (snapshot.Context, error)
	i     int
}

func (s *scriptedSource) Next(context.Context) (snapshot.Context, error) {
	if s.i >= len(s.steps) {
		return snapshot.Context{}, snapshot.ErrExhausted
	}
	step := s.steps[s.i]
	s.i++
	return step()
}

func snapStep(snap snapshot.Context) func() (snapshot.Context, error) {
	return func() (snapshot.Context, error) { return snap, nil }
}

func errStep(err error) func() (snapshot.Context, error) {
	return func() (snapshot.Context, error) { return snapshot.Context{}, err }
}

type recordingSink struct {
	records []audit.Record
	flushes int
}

func (s *recordingSink) Append(rec audit.Record) error {
	s.records = append(s.records, rec)
	return nil
}
func (s *recordingSink) Flush() error { s.flushes++; return nil }

func (s *recordingSink) count(event string) int {
	n := 0
	for _, r := range s.records {
		if r.Event == event {
			n++
		}
	}
	return n
}

// stubExecutor fails or rejects on demand.
type stubExecutor struct {
	err     error
	status  string
	calls   int
	intents []risk.OrderIntent
}

func (e *stubExecutor) Submit(_ context.Context, intent risk.OrderIntent) (broker.SubmissionResult, error) {
	e.calls++
	e.intents = append(e.intents, intent)
	if e.err != nil {
		return broker.SubmissionResult{}, e.err
	}
	return broker.SubmissionResult{OrderID: "o-1", Status: e.status}, nil
}

func sizablView(ts time.Time) snapshot.InstrumentView {
	bars := make([]snapshot.Bar, 30)
	for i := range bars {
		bars[i] = snapshot.Bar{
			Time:  ts.Add(-time.Duration(29-i) * time.Minute),
			Close: 100 + 0.5*float64(i)/29,
		}
	}
	aggs := make([]snapshot.AggregateBar, 25)
	for i := range aggs {
		v := 2.0 + 0.1*float64(i)/24
		aggs[i] = snapshot.AggregateBar{
			Time:   ts.Add(-time.Duration(24-i) * time.Minute),
			Close:  v,
			VWAP:   v,
			Volume: 4,
		}
	}
	return snapshot.InstrumentView{
		UnderlyingBars: bars,
		OptionAggregates: map[snapshot.Direction][]snapshot.AggregateBar{
			snapshot.Call: aggs,
		},
		OptionQuotes: map[snapshot.Direction]snapshot.Quote{
			snapshot.Call: {Bid: 1.95, Ask: 2.05},
		},
	}
}

func sizableSnap(ts time.Time) snapshot.Context {
	return snapshot.Context{
		Timestamp:   ts,
		Instruments: map[string]snapshot.InstrumentView{"AAPL": sizablView(ts)},
	}
}

func newTestPipeline(sink audit.Sink) *decision.Pipeline {
	reg := strategy.NewRegistry(strategy.PolicyPassThrough)
	reg.Register(strategy.NewMomentumIV(strategy.MomentumIVConfig{}), 1)
	return &decision.Pipeline{
		Features:   features.Config{},
		Strategies: reg,
		Gate:       gate.Thresholds{MinBars: 20, MinVolume: 50, MinVWAPDrift: 0.02},
		Risk:       risk.NewManager(risk.Config{}),
		Audit:      sink,
	}
}

func TestRunOnce_DryRunReleasesBudget(t *testing.T) {
	sink := &recordingSink{}
	acct := risk.NewAccountState(10_000)
	src := &scriptedSource{steps: []func() (snapshot.Context, error){snapStep(sizableSnap(cycleTS))}}
	l := New(Config{}, src, newTestPipeline(sink), nil, sink, acct)

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// The intent was emitted as a log line only; no position stays open.
	if acct.OpenPositions != 0 {
		t.Fatalf("dry run must release the budget, got %d open", acct.OpenPositions)
	}
	if sink.count(audit.EventIntentEmitted) != 1 {
		t.Fatalf("want 1 intent_emitted record, got %d", sink.count(audit.EventIntentEmitted))
	}
	if sink.flushes == 0 {
		t.Fatal("cycle must flush the audit log")
	}
}

func TestRunOnce_LiveSubmissionKeepsPosition(t *testing.T) {
	sink := &recordingSink{}
	acct := risk.NewAccountState(10_000)
	exec := &stubExecutor{status: broker.StatusAccepted}
	src := &scriptedSource{steps: []func() (snapshot.Context, error){snapStep(sizableSnap(cycleTS))}}
	l := New(Config{LiveExecution: true}, src, newTestPipeline(sink), exec, sink, acct)

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("want 1 submission, got %d", exec.calls)
	}
	if acct.OpenPositions != 1 {
		t.Fatalf("accepted submission must keep the position, got %d", acct.OpenPositions)
	}
}

func TestRunOnce_FailedSubmissionReleasesBudget(t *testing.T) {
	sink := &recordingSink{}
	acct := risk.NewAccountState(10_000)
	exec := &stubExecutor{err: fmt.Errorf("broker down")}
	src := &scriptedSource{steps: []func() (snapshot.Context, error){snapStep(sizableSnap(cycleTS))}}
	l := New(Config{LiveExecution: true}, src, newTestPipeline(sink), exec, sink, acct)

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("submission failure must not fail the cycle: %v", err)
	}
	if acct.OpenPositions != 0 {
		t.Fatalf("failed submission must release the budget, got %d", acct.OpenPositions)
	}
	if sink.count(audit.EventIntentFailed) != 1 {
		t.Fatalf("want 1 intent_failed record, got %d", sink.count(audit.EventIntentFailed))
	}
}

func TestRunOnce_RejectedSubmissionReleasesBudget(t *testing.T) {
	sink := &recordingSink{}
	acct := risk.NewAccountState(10_000)
	exec := &stubExecutor{status: broker.StatusRejected}
	src := &scriptedSource{steps: []func() (snapshot.Context, error){snapStep(sizableSnap(cycleTS))}}
	l := New(Config{LiveExecution: true}, src, newTestPipeline(sink), exec, sink, acct)

	if err := l.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if acct.OpenPositions != 0 {
		t.Fatalf("rejected submission must release the budget, got %d", acct.OpenPositions)
	}
}

func TestRun_FetchErrorIsNonFatal(t *testing.T) {
	sink := &recordingSink{}
	acct := risk.NewAccountState(10_000)
	src := &scriptedSource{steps: []func() (snapshot.Context, error){
		errStep(&snapshot.FetchError{Op: "poll", Err: fmt.Errorf("timeout")}),
		snapStep(sizableSnap(cycleTS)),
	}}
	l := New(Config{Interval: time.Millisecond}, src, newTestPipeline(sink), nil, sink, acct)

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The failed fetch was skipped, the following snapshot still decided.
	if sink.count(audit.EventIntentEmitted) != 1 {
		t.Fatalf("want the post-error cycle to decide, got records %v", sink.records)
	}
}

func TestRun_StopsOnExhaustion(t *testing.T) {
	sink := &recordingSink{}
	acct := risk.NewAccountState(10_000)
	src := &scriptedSource{}
	l := New(Config{Interval: time.Millisecond}, src, newTestPipeline(sink), nil, sink, acct)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on an exhausted source")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	sink := &recordingSink{}
	acct := risk.NewAccountState(10_000)
	// An endless source: same snapshot forever (deduped after the first).
	endless := &endlessSource{snap: sizableSnap(cycleTS)}
	l := New(Config{Interval: 10 * time.Millisecond}, endless, newTestPipeline(sink), nil, sink, acct)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestRun_DedupeAcrossCycles(t *testing.T) {
	sink := &recordingSink{}
	acct := risk.NewAccountState(10_000)
	snap := sizableSnap(cycleTS)
	src := &scriptedSource{steps: []func() (snapshot.Context, error){snapStep(snap), snapStep(snap)}}
	l := New(Config{Interval: time.Millisecond}, src, newTestPipeline(sink), nil, sink, acct)

	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The repeated snapshot is claimed once: exactly one emitted intent.
	if sink.count(audit.EventIntentEmitted) != 1 {
		t.Fatalf("want 1 intent across duplicate snapshots, got %d", sink.count(audit.EventIntentEmitted))
	}
}

func TestMaybeResetSession_NewDayClearsBreach(t *testing.T) {
	sink := &recordingSink{}
	acct := risk.NewAccountState(10_000)
	acct.ResetSession(cycleTS)
	acct.ApplyClose(-600)
	acct.Breached = true

	src := &scriptedSource{}
	l := New(Config{}, src, newTestPipeline(sink), nil, sink, acct)
	l.maybeResetSession(cycleTS.Add(24 * time.Hour))

	if acct.Breached {
		t.Fatal("day rollover must clear the breach")
	}
	if acct.CumulativeDailyPnL != 0 {
		t.Fatalf("day rollover must zero daily pnl, got %v", acct.CumulativeDailyPnL)
	}
	if sink.count(audit.EventSessionReset) != 1 {
		t.Fatalf("want a session_reset record, got %v", sink.records)
	}
}

type endlessSource struct{ snap snapshot.Context }

func (s *endlessSource) Next(context.Context) (snapshot.Context, error) { return s.snap, nil }
