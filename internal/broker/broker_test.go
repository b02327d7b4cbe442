package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"optionpilot/internal/outbox"
	"optionpilot/internal/risk"
	"optionpilot/internal/snapshot"
)

func testIntent() risk.OrderIntent {
	return risk.OrderIntent{
		ID:             "intent-1",
		Instrument:     "AAPL",
		Direction:      snapshot.Call,
		Contracts:      2,
		LimitPriceHint: 2.00,
		StopPrice:      1.60,
		TargetPrice:    2.80,
		Confidence:     0.7,
		Timestamp:      time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
}

func TestDryRun_NeverErrors(t *testing.T) {
	res, err := DryRun{}.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if res.Status != StatusDryRun {
		t.Fatalf("want %s, got %s", StatusDryRun, res.Status)
	}
}

func TestPaper_WritesOrderToOutbox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	box, err := outbox.New(path)
	if err != nil {
		t.Fatal(err)
	}
	p := &Paper{Outbox: box}

	res, err := p.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != StatusAccepted || res.OrderID == "" {
		t.Fatalf("want accepted with order id, got %+v", res)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("outbox is empty")
	}
	var envelope struct {
		Type string       `json:"type"`
		Data outbox.Order `json:"data"`
	}
	if err := json.Unmarshal(sc.Bytes(), &envelope); err != nil {
		t.Fatalf("outbox line not json: %v", err)
	}
	if envelope.Data.Instrument != "AAPL" || envelope.Data.Contracts != 2 {
		t.Fatalf("order lost fields: %+v", envelope.Data)
	}
}

// failing is an executor whose collaborator is down.
type failing struct{ calls int }

func (f *failing) Submit(context.Context, risk.OrderIntent) (SubmissionResult, error) {
	f.calls++
	return SubmissionResult{}, fmt.Errorf("connection refused")
}

func TestWithBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failing{}
	b := NewWithBreaker(inner, "test")

	for i := 0; i < 3; i++ {
		if _, err := b.Submit(context.Background(), testIntent()); err == nil {
			t.Fatalf("call %d: want error", i)
		}
	}
	if inner.calls != 3 {
		t.Fatalf("want 3 inner calls, got %d", inner.calls)
	}

	// Breaker is open: the inner executor is no longer consulted.
	if _, err := b.Submit(context.Background(), testIntent()); err == nil {
		t.Fatal("open breaker must fail fast")
	}
	if inner.calls != 3 {
		t.Fatalf("open breaker must not call inner, got %d calls", inner.calls)
	}
}

func TestWithBreaker_PassesThroughSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	box, err := outbox.New(path)
	if err != nil {
		t.Fatal(err)
	}
	b := NewWithBreaker(&Paper{Outbox: box}, "paper")

	res, err := b.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != StatusAccepted {
		t.Fatalf("want accepted, got %s", res.Status)
	}
}
