// Package gate filters signals on option-tape health before any sizing
// happens. A signal that passes is returned untouched; a rejection carries a
// stable reason string for the audit trail and the aggregate rejection
// counters.
package gate

import (
	"math"

	"optionpilot/internal/features"
	"optionpilot/internal/snapshot"
	"optionpilot/internal/strategy"
)

// Rejection reasons. These are part of the audit record format; renaming one
// breaks downstream log consumers.
const (
	ReasonNoAggregates          = "NoAggregates"
	ReasonInsufficientBars      = "InsufficientBars"
	ReasonInsufficientVolume    = "InsufficientVolume"
	ReasonInsufficientVWAPDrift = "InsufficientVWAPDrift"
)

// Thresholds configure the gate. All-zero thresholds disable the gate
// entirely; that is an explicit opt-out, not a misconfiguration.
type Thresholds struct {
	MinBars      int     `yaml:"min_bars"`
	MinVolume    float64 `yaml:"min_volume"`
	MinVWAPDrift float64 `yaml:"min_vwap_drift"`
}

// Enabled reports whether any threshold is set.
func (t Thresholds) Enabled() bool {
	return t.MinBars > 0 || t.MinVolume > 0 || t.MinVWAPDrift > 0
}

// Result is the gate's verdict plus the tape evidence it was based on, so
// the audit record shows the numbers the decision saw.
type Result struct {
	Passed    bool    `json:"passed"`
	Reason    string  `json:"reason,omitempty"`
	Bars      int     `json:"bars"`
	Volume    float64 `json:"volume"`
	VWAPDrift float64 `json:"vwap_drift"`
}

// Check evaluates the tape backing the signal's own leg against the
// thresholds. Checks run in a fixed order (bars, volume, drift) so the
// reported reason is deterministic.
func Check(sig strategy.Signal, view snapshot.InstrumentView, th Thresholds) Result {
	if !th.Enabled() {
		return Result{Passed: true}
	}

	aggs := view.Aggregates(sig.Direction)
	if len(aggs) == 0 {
		return Result{Reason: ReasonNoAggregates}
	}

	res := Result{Bars: len(aggs)}
	for _, a := range aggs {
		res.Volume += a.Volume
	}
	if drift, ok := features.LegVWAPDrift(view, sig.Direction); ok {
		res.VWAPDrift = drift
	}

	switch {
	case res.Bars < th.MinBars:
		res.Reason = ReasonInsufficientBars
	case res.Volume < th.MinVolume:
		res.Reason = ReasonInsufficientVolume
	// Magnitude, not sign: the threshold asks for tape activity on the
	// signal's leg, not directional support from it.
	case math.Abs(res.VWAPDrift) < th.MinVWAPDrift:
		res.Reason = ReasonInsufficientVWAPDrift
	default:
		res.Passed = true
	}
	return res
}
