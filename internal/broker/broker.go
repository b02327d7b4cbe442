// Package broker is the execution collaborator boundary. The core hands an
// OrderIntent to an Executor and records the result; any executor failure is
// a logged, non-fatal rejection of that one intent, never a loop failure.
package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"optionpilot/internal/outbox"
	"optionpilot/internal/risk"
)

// Submission statuses.
const (
	StatusDryRun   = "DRY_RUN"
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
)

// SubmissionResult is what the collaborator reports back for one intent.
type SubmissionResult struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Executor accepts an order intent. An error return means the collaborator
// itself failed (transport, broker outage); a REJECTED result means the
// collaborator worked and said no.
type Executor interface {
	Submit(ctx context.Context, intent risk.OrderIntent) (SubmissionResult, error)
}

// DryRun logs the intent and goes no further. It is the default terminal
// action of the live loop.
type DryRun struct{}

func (DryRun) Submit(_ context.Context, intent risk.OrderIntent) (SubmissionResult, error) {
	log.Info().
		Str("instrument", intent.Instrument).
		Str("direction", string(intent.Direction)).
		Int("contracts", intent.Contracts).
		Float64("limit_hint", intent.LimitPriceHint).
		Float64("stop", intent.StopPrice).
		Float64("target", intent.TargetPrice).
		Float64("confidence", intent.Confidence).
		Msg("dry-run order intent")
	return SubmissionResult{Status: StatusDryRun}, nil
}

// Paper appends accepted orders to the order outbox, simulating a broker
// that accepts everything. Useful for soak runs before wiring a real
// collaborator.
type Paper struct {
	Outbox *outbox.Outbox
}

func (p *Paper) Submit(_ context.Context, intent risk.OrderIntent) (SubmissionResult, error) {
	orderID := uuid.NewString()
	if err := p.Outbox.WriteOrder(outbox.Order{
		ID:         orderID,
		IntentID:   intent.ID,
		Instrument: intent.Instrument,
		Direction:  string(intent.Direction),
		Contracts:  intent.Contracts,
		LimitHint:  intent.LimitPriceHint,
		Timestamp:  intent.Timestamp,
		Status:     "accepted",
	}); err != nil {
		return SubmissionResult{}, fmt.Errorf("paper executor: %w", err)
	}
	return SubmissionResult{Status: StatusAccepted, OrderID: orderID}, nil
}

// WithBreaker wraps an executor in a circuit breaker so a flapping
// collaborator stops being called for a cool-down window instead of eating
// every cycle's submission latency.
type WithBreaker struct {
	inner Executor
	cb    *gobreaker.CircuitBreaker
}

func NewWithBreaker(inner Executor, name string) *WithBreaker {
	return &WithBreaker{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: name,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("execution breaker state change")
			},
		}),
	}
}

func (w *WithBreaker) Submit(ctx context.Context, intent risk.OrderIntent) (SubmissionResult, error) {
	res, err := w.cb.Execute(func() (any, error) {
		return w.inner.Submit(ctx, intent)
	})
	if err != nil {
		return SubmissionResult{}, err
	}
	return res.(SubmissionResult), nil
}
