package strategy

import (
	"math"

	"optionpilot/internal/features"
	"optionpilot/internal/snapshot"
)

// MomentumIVConfig tunes the baseline momentum + IV + sentiment strategy.
type MomentumIVConfig struct {
	// MomentumThreshold is the combined momentum + VWAP-drift score beyond
	// which a direction fires. 0.0015 lets the strategy trade in quiet
	// sessions.
	MomentumThreshold float64 `yaml:"momentum_threshold"`

	// Subscore weights. Absent subscores are handled per policy below and the
	// weights that actually fired are recorded in signal metadata.
	MomentumWeight float64 `yaml:"momentum_weight"`
	IVWeight       float64 `yaml:"iv_weight"`
	NewsWeight     float64 `yaml:"news_weight"`
	TapeWeight     float64 `yaml:"tape_weight"`

	// IVNorm and TapeNorm are the |value| at which the IV-change and tape
	// subscores saturate at 1.0.
	IVNorm   float64 `yaml:"iv_norm"`
	TapeNorm float64 `yaml:"tape_norm"`
}

func (c MomentumIVConfig) Defaults() MomentumIVConfig {
	if c.MomentumThreshold == 0 {
		c.MomentumThreshold = 0.0015
	}
	if c.MomentumWeight == 0 {
		c.MomentumWeight = 0.40
	}
	if c.IVWeight == 0 {
		c.IVWeight = 0.25
	}
	if c.NewsWeight == 0 {
		c.NewsWeight = 0.20
	}
	if c.TapeWeight == 0 {
		c.TapeWeight = 0.15
	}
	if c.IVNorm == 0 {
		c.IVNorm = 0.10
	}
	if c.TapeNorm == 0 {
		c.TapeNorm = 0.10
	}
	return c
}

// MomentumIV is the baseline scoring strategy: direction from intraday
// momentum plus option-tape VWAP drift, confidence from a weighted blend of
// momentum strength, IV trend, tape evidence, and news sentiment. Every
// subscore and every weight that fired lands in the signal metadata so the
// audit trail can reconstruct the decision.
type MomentumIV struct {
	cfg MomentumIVConfig
}

func NewMomentumIV(cfg MomentumIVConfig) *MomentumIV {
	return &MomentumIV{cfg: cfg.Defaults()}
}

func (s *MomentumIV) Name() string { return "momentum_iv" }

func (s *MomentumIV) Evaluate(in Input) (Signal, bool) {
	momentum, haveMomentum := s.momentum(in.Features)
	drift, haveDrift := in.Features.Get(features.OptionAggVWAP)
	if !haveMomentum && !haveDrift {
		return Signal{}, false
	}

	combined := momentum + drift
	var direction snapshot.Direction
	switch {
	case combined > s.cfg.MomentumThreshold:
		direction = snapshot.Call
	case combined < -s.cfg.MomentumThreshold:
		direction = snapshot.Put
	default:
		return Signal{}, false
	}

	md := map[string]any{
		"strategy":        s.Name(),
		"momentum":        momentum,
		"combined_score":  combined,
		"momentum_source": s.momentumSource(in.Features),
	}

	// Momentum subscore saturates at twice the firing threshold.
	momentumScore := clamp01(math.Abs(momentum) / (s.cfg.MomentumThreshold * 2))

	// IV trend: mean IV change across the chain when present, neutral 0.5
	// fallback otherwise. The fallback is a policy choice and is flagged in
	// metadata so auditing can tell which weights fired.
	ivScore, ivPresent := s.ivScore(in.View)
	md["iv_present"] = ivPresent
	if ivPresent {
		md["iv_score"] = ivScore
	} else {
		md["iv_fallback"] = true
	}

	weights := []float64{s.cfg.MomentumWeight, s.cfg.IVWeight}
	scores := []float64{momentumScore, ivScore}

	// Tape subscore participates only when the tape produced a feature.
	if tape, ok := in.Features.Get(features.OptionAggMomentum); ok {
		tapeScore := clamp01(math.Abs(tape) / s.cfg.TapeNorm)
		md["tape_score"] = tapeScore
		weights = append(weights, s.cfg.TapeWeight)
		scores = append(scores, tapeScore)
	} else if haveDrift {
		tapeScore := clamp01(math.Abs(drift) / s.cfg.TapeNorm)
		md["tape_score"] = tapeScore
		weights = append(weights, s.cfg.TapeWeight)
		scores = append(scores, tapeScore)
	}
	if haveDrift {
		md["vwap_drift"] = drift
	}

	// Technical context rides along for auditing without moving the score.
	if rsi, ok := in.Features.Get(features.RSI14); ok {
		md["rsi_14"] = rsi
	}
	if trend, ok := in.Features.Get(features.EMATrend); ok {
		md["ema_trend"] = trend
	}

	// News sentiment is zero-weighted when there are no items, so an empty
	// news feed cannot silently depress confidence.
	if len(in.View.News) > 0 {
		newsScore := s.newsScore(in.View.News)
		md["news_score"] = newsScore
		weights = append(weights, s.cfg.NewsWeight)
		scores = append(scores, newsScore)
	}

	var totalWeight, raw float64
	for i := range weights {
		totalWeight += weights[i]
		raw += weights[i] * scores[i]
	}
	if totalWeight == 0 {
		return Signal{}, false
	}
	confidence := clamp01(raw / totalWeight)

	md["momentum_score"] = momentumScore
	md["weights_fired"] = totalWeight

	return Signal{
		Instrument: in.Symbol,
		Direction:  direction,
		Confidence: confidence,
		Metadata:   md,
	}, true
}

// momentum prefers the 15-minute window, falling back to the 60-minute one.
func (s *MomentumIV) momentum(fs features.Set) (float64, bool) {
	if m, ok := fs.Get(features.Momentum15m); ok {
		return m, true
	}
	if m, ok := fs.Get(features.Momentum60m); ok {
		return m, true
	}
	return 0, false
}

func (s *MomentumIV) momentumSource(fs features.Set) string {
	if _, ok := fs.Get(features.Momentum15m); ok {
		return features.Momentum15m
	}
	if _, ok := fs.Get(features.Momentum60m); ok {
		return features.Momentum60m
	}
	return "none"
}

func (s *MomentumIV) ivScore(view snapshot.InstrumentView) (float64, bool) {
	var sum float64
	var n int
	for _, cm := range view.OptionMetrics {
		if cm.HasIVChange {
			sum += cm.IVChange
			n++
		}
	}
	if n == 0 {
		return 0.5, false
	}
	mean := sum / float64(n)
	return clamp01(math.Abs(mean) / s.cfg.IVNorm), true
}

// newsScore maps mean sentiment across recent items from [-1,1] to [0,1].
func (s *MomentumIV) newsScore(items []snapshot.NewsItem) float64 {
	var sum float64
	for _, it := range items {
		sum += it.SentimentScore
	}
	mean := sum / float64(len(items))
	return clamp01((mean + 1) / 2)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
