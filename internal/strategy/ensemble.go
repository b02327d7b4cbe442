package strategy

import (
	"fmt"

	"optionpilot/internal/snapshot"
)

// EnsemblePolicy names how signals from multiple registered strategies are
// combined. The combination must be deterministic: strategies are always
// consulted in registration order.
type EnsemblePolicy string

const (
	// PolicyPassThrough forwards the single registered strategy's signal.
	// It is the shipped default and rejects registries with more than one
	// strategy so a misconfigured ensemble fails loudly.
	PolicyPassThrough EnsemblePolicy = "pass_through"

	// PolicyMaxConfidence picks the highest-confidence signal; ties break by
	// registration order.
	PolicyMaxConfidence EnsemblePolicy = "max_confidence"

	// PolicyWeightedAverage combines signals by per-strategy weight: the
	// direction with the larger summed weighted confidence wins and the
	// resulting confidence is the weighted mean of the agreeing signals.
	PolicyWeightedAverage EnsemblePolicy = "weighted_average"
)

// Registry is a small closed set of named scoring strategies plus the fixed
// policy that combines their outputs.
type Registry struct {
	policy     EnsemblePolicy
	strategies []Strategy
	weights    map[string]float64
}

func NewRegistry(policy EnsemblePolicy) *Registry {
	if policy == "" {
		policy = PolicyPassThrough
	}
	return &Registry{policy: policy, weights: map[string]float64{}}
}

// Register adds a strategy. Weight is only consulted by the weighted-average
// policy; zero means equal weight 1.
func (r *Registry) Register(s Strategy, weight float64) {
	if weight == 0 {
		weight = 1
	}
	r.strategies = append(r.strategies, s)
	r.weights[s.Name()] = weight
}

// Validate rejects registry shapes the configured policy cannot serve.
func (r *Registry) Validate() error {
	if len(r.strategies) == 0 {
		return fmt.Errorf("strategy registry: no strategies registered")
	}
	if r.policy == PolicyPassThrough && len(r.strategies) > 1 {
		return fmt.Errorf("strategy registry: pass_through policy with %d strategies", len(r.strategies))
	}
	switch r.policy {
	case PolicyPassThrough, PolicyMaxConfidence, PolicyWeightedAverage:
		return nil
	}
	return fmt.Errorf("strategy registry: unknown ensemble policy %q", r.policy)
}

// Evaluate runs every registered strategy and combines their signals under
// the registry policy. ok=false means no strategy fired.
func (r *Registry) Evaluate(in Input) (Signal, bool) {
	type fired struct {
		sig    Signal
		weight float64
	}
	var signals []fired
	for _, s := range r.strategies {
		if sig, ok := s.Evaluate(in); ok {
			signals = append(signals, fired{sig: sig, weight: r.weights[s.Name()]})
		}
	}
	if len(signals) == 0 {
		return Signal{}, false
	}

	switch r.policy {
	case PolicyPassThrough:
		return signals[0].sig, true

	case PolicyMaxConfidence:
		best := signals[0]
		for _, f := range signals[1:] {
			if f.sig.Confidence > best.sig.Confidence {
				best = f
			}
		}
		return best.sig.WithMetadata("ensemble", string(PolicyMaxConfidence)), true

	case PolicyWeightedAverage:
		var callMass, putMass float64
		for _, f := range signals {
			switch f.sig.Direction {
			case snapshot.Call:
				callMass += f.weight * f.sig.Confidence
			case snapshot.Put:
				putMass += f.weight * f.sig.Confidence
			}
		}
		direction := snapshot.Call
		if putMass > callMass {
			direction = snapshot.Put
		}
		// Confidence is the weighted mean over the agreeing signals only;
		// disagreeing strategies reduce it implicitly by losing their mass.
		var sum, weightSum float64
		per := map[string]float64{}
		for _, f := range signals {
			if name, ok := f.sig.Metadata["strategy"].(string); ok {
				per[name] = f.sig.Confidence
			}
			if f.sig.Direction != direction {
				continue
			}
			sum += f.weight * f.sig.Confidence
			weightSum += f.weight
		}
		if weightSum == 0 {
			return Signal{}, false
		}
		out := signals[0].sig
		out.Direction = direction
		out.Confidence = clamp01(sum / weightSum)
		out = out.WithMetadata("ensemble", string(PolicyWeightedAverage))
		out = out.WithMetadata("ensemble_members", per)
		return out, true
	}
	return Signal{}, false
}
