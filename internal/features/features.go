// Package features turns one InstrumentView into a set of named scalar
// features. Extraction is pure: no I/O, no clock, and incomplete data never
// produces an error. A feature that cannot be computed is absent from the
// set; absence is the sentinel, never zero, so a flat price and missing data
// stay distinguishable downstream.
package features

import (
	"math"
	"time"

	talib "github.com/markcheno/go-talib"

	"optionpilot/internal/snapshot"
)

// Feature names produced by Extract.
const (
	Momentum15m       = "momentum_15m"
	Momentum60m       = "momentum_60m"
	RealizedVol       = "realized_vol"
	OptionAggMomentum = "option_agg_momentum"
	OptionAggVWAP     = "option_agg_vwap"
	RSI14             = "rsi_14"
	EMATrend          = "ema_trend"
)

// annualization converts per-minute return stddev into an annual figure:
// sqrt(390 minutes per session * 252 sessions per year).
var annualization = math.Sqrt(390 * 252)

// Set maps feature names to values. Absence of a key means the feature could
// not be computed from the available inputs.
type Set map[string]float64

// Get returns a feature value and whether it was computed.
func (s Set) Get(name string) (float64, bool) {
	v, ok := s[name]
	return v, ok
}

// Config controls the extraction windows.
type Config struct {
	VolWindowBars    int // trailing bars for realized vol, default 60
	MinAggregateBars int // tape features need at least this many bars per leg
	RSIPeriod        int // default 14
	EMAPeriod        int // default 20
}

// Defaults fills zero fields with documented defaults.
func (c Config) Defaults() Config {
	if c.VolWindowBars == 0 {
		c.VolWindowBars = 60
	}
	if c.MinAggregateBars == 0 {
		c.MinAggregateBars = 5
	}
	if c.RSIPeriod == 0 {
		c.RSIPeriod = 14
	}
	if c.EMAPeriod == 0 {
		c.EMAPeriod = 20
	}
	return c
}

// Extract computes the feature set for one instrument as of now. The now
// argument anchors the trailing momentum windows; both orchestrators pass
// the context timestamp so live and replay extraction agree exactly.
func Extract(view snapshot.InstrumentView, now time.Time, cfg Config) Set {
	cfg = cfg.Defaults()
	out := Set{}

	bars := view.UnderlyingBars
	if m, ok := trailingMomentum(bars, now, 15*time.Minute); ok {
		out[Momentum15m] = m
	}
	if m, ok := trailingMomentum(bars, now, 60*time.Minute); ok {
		out[Momentum60m] = m
	}
	if v, ok := realizedVol(bars, cfg.VolWindowBars); ok {
		out[RealizedVol] = v
	}
	if r, ok := rsi(bars, cfg.RSIPeriod); ok {
		out[RSI14] = r
	}
	if e, ok := emaTrend(bars, cfg.EMAPeriod); ok {
		out[EMATrend] = e
	}
	if m, ok := tapeMomentum(view, cfg.MinAggregateBars, aggCloses); ok {
		out[OptionAggMomentum] = m
	}
	if m, ok := tapeMomentum(view, cfg.MinAggregateBars, aggVWAPs); ok {
		out[OptionAggVWAP] = m
	}
	return out
}

// trailingMomentum is the percentage change of the latest close against the
// close interpolated at now-window. When the window reaches past the first
// bar, the first bar stands in as the closest available start point. Fewer
// than two bars means no momentum, not flat momentum.
func trailingMomentum(bars []snapshot.Bar, now time.Time, window time.Duration) (float64, bool) {
	if len(bars) < 2 {
		return 0, false
	}
	end := bars[len(bars)-1].Close
	start, ok := closeAt(bars, now.Add(-window))
	if !ok || start == 0 {
		return 0, false
	}
	return (end - start) / start, true
}

// closeAt returns the close price at t, linearly interpolated between the
// bracketing bars when t falls between bar timestamps.
func closeAt(bars []snapshot.Bar, t time.Time) (float64, bool) {
	if len(bars) == 0 {
		return 0, false
	}
	if !t.After(bars[0].Time) {
		return bars[0].Close, true
	}
	last := bars[len(bars)-1]
	if !t.Before(last.Time) {
		return last.Close, true
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Time.Before(t) {
			continue
		}
		lo, hi := bars[i-1], bars[i]
		span := hi.Time.Sub(lo.Time).Seconds()
		if span <= 0 {
			return hi.Close, true
		}
		frac := t.Sub(lo.Time).Seconds() / span
		return lo.Close + (hi.Close-lo.Close)*frac, true
	}
	return last.Close, true
}

// realizedVol is the sample standard deviation of log returns over the
// trailing window, annualized with the fixed minutes-per-year factor.
func realizedVol(bars []snapshot.Bar, window int) (float64, bool) {
	if len(bars) < 3 {
		return 0, false
	}
	start := len(bars) - window - 1
	if start < 0 {
		start = 0
	}
	var rets []float64
	for i := start + 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Close, bars[i].Close
		if prev <= 0 || cur <= 0 {
			continue
		}
		rets = append(rets, math.Log(cur/prev))
	}
	if len(rets) < 2 {
		return 0, false
	}
	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	var ss float64
	for _, r := range rets {
		d := r - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(rets)-1))
	return sd * annualization, true
}

func rsi(bars []snapshot.Bar, period int) (float64, bool) {
	if len(bars) < period+1 {
		return 0, false
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	series := talib.Rsi(closes, period)
	v := series[len(series)-1]
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// emaTrend is the latest close relative to its EMA, as a fraction. Positive
// means price above trend.
func emaTrend(bars []snapshot.Bar, period int) (float64, bool) {
	if len(bars) < period {
		return 0, false
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	series := talib.Ema(closes, period)
	ema := series[len(series)-1]
	if math.IsNaN(ema) || ema == 0 {
		return 0, false
	}
	return (closes[len(closes)-1] - ema) / ema, true
}

func aggCloses(aggs []snapshot.AggregateBar) []float64 {
	out := make([]float64, 0, len(aggs))
	for _, a := range aggs {
		out = append(out, a.Close)
	}
	return out
}

func aggVWAPs(aggs []snapshot.AggregateBar) []float64 {
	out := make([]float64, 0, len(aggs))
	for _, a := range aggs {
		if a.VWAP > 0 {
			out = append(out, a.VWAP)
		}
	}
	return out
}

// tapeMomentum reads directional drift off the option tape. Call-leg drift
// counts as bullish, put-leg drift as bearish; with both legs present the
// result is the call drift minus the put drift. A leg participates only when
// it carries at least minBars aggregate bars.
func tapeMomentum(view snapshot.InstrumentView, minBars int, series func([]snapshot.AggregateBar) []float64) (float64, bool) {
	legDrift := func(d snapshot.Direction) (float64, bool) {
		aggs := view.Aggregates(d)
		if len(aggs) < minBars {
			return 0, false
		}
		vals := series(aggs)
		if len(vals) < 2 || vals[0] == 0 {
			return 0, false
		}
		return (vals[len(vals)-1] - vals[0]) / vals[0], true
	}

	call, haveCall := legDrift(snapshot.Call)
	put, havePut := legDrift(snapshot.Put)
	switch {
	case haveCall && havePut:
		return call - put, true
	case haveCall:
		return call, true
	case havePut:
		return -put, true
	}
	return 0, false
}

// LegVWAPDrift exposes the per-leg VWAP drift used by the tape health gate:
// relative change between the first and last VWAP observations of one leg.
func LegVWAPDrift(view snapshot.InstrumentView, d snapshot.Direction) (float64, bool) {
	aggs := view.Aggregates(d)
	vals := aggVWAPs(aggs)
	if len(vals) < 2 || vals[0] == 0 {
		return 0, false
	}
	return (vals[len(vals)-1] - vals[0]) / vals[0], true
}
