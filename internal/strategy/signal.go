package strategy

import (
	"time"

	"optionpilot/internal/features"
	"optionpilot/internal/snapshot"
)

// Signal is one directional trade idea for one instrument at one snapshot.
// It is created once by the strategy layer and never mutated downstream;
// the gate and the risk manager either accept it or reject it, annotating a
// copy's metadata with the rejection reason for the audit trail.
type Signal struct {
	Instrument string             `json:"instrument"`
	Direction  snapshot.Direction `json:"direction"`
	Confidence float64            `json:"confidence"` // [0, 1]
	Metadata   map[string]any     `json:"metadata"`
}

// WithMetadata returns a copy of the signal with one extra metadata entry.
// The original's metadata map is not touched.
func (s Signal) WithMetadata(key string, value any) Signal {
	md := make(map[string]any, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		md[k] = v
	}
	md[key] = value
	s.Metadata = md
	return s
}

// Input bundles what a strategy may look at when scoring one instrument.
type Input struct {
	Symbol    string
	Timestamp time.Time
	View      snapshot.InstrumentView
	Features  features.Set
}

// Strategy scores one instrument. The bool result reports whether a signal
// fired at all; "no signal" is a distinct outcome from a zero-confidence
// signal and must be returned as ok=false, never as a CALL with confidence 0.
type Strategy interface {
	Name() string
	Evaluate(in Input) (Signal, bool)
}
