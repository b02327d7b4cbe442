package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Direction identifies an option leg.
type Direction string

const (
	Call Direction = "CALL"
	Put  Direction = "PUT"
)

// Bar is one OHLCV bar for the underlying.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// AggregateBar is one minute bar of traded-option tape for a contract leg.
type AggregateBar struct {
	Time   time.Time `json:"time"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	VWAP   float64   `json:"vwap"`
}

// Greeks carries per-contract option greeks when the chain snapshot had them.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// ContractMetrics is one option contract's chain-level metrics.
type ContractMetrics struct {
	Symbol       string    `json:"symbol"`
	ContractType Direction `json:"contract_type"`
	ImpliedVol   float64   `json:"implied_volatility"`
	IVChange     float64   `json:"iv_change"`
	HasIVChange  bool      `json:"has_iv_change"`
	OpenInterest float64   `json:"open_interest"`
	Greeks       *Greeks   `json:"greeks,omitempty"`
}

// Quote is a leg-level NBBO snapshot for the tracked near-the-money contract.
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Mid returns the quote midpoint, falling back to whichever side is present.
// The ok result is false when neither side has a price.
func (q Quote) Mid() (float64, bool) {
	switch {
	case q.Bid > 0 && q.Ask > 0:
		return (q.Bid + q.Ask) / 2, true
	case q.Ask > 0:
		return q.Ask, true
	case q.Bid > 0:
		return q.Bid, true
	}
	return 0, false
}

// NewsItem is one pre-scored headline. Sentiment collection happens upstream;
// the pipeline only consumes the score.
type NewsItem struct {
	Source         string    `json:"source"`
	PublishedAt    time.Time `json:"published_at"`
	SentimentScore float64   `json:"sentiment_score"` // [-1, 1]
}

// InstrumentView bundles everything the pipeline knows about one instrument
// at the context timestamp. Any block may be missing; downstream stages treat
// missing blocks as data absence, never as zeros.
type InstrumentView struct {
	Symbol           string                       `json:"symbol"`
	UnderlyingBars   []Bar                        `json:"underlying_bars"`
	OptionMetrics    []ContractMetrics            `json:"option_metrics,omitempty"`
	OptionQuotes     map[Direction]Quote          `json:"option_quotes,omitempty"`
	OptionAggregates map[Direction][]AggregateBar `json:"option_aggregates,omitempty"`
	News             []NewsItem                   `json:"news,omitempty"`
}

// Aggregates returns the tape for one leg, nil when the leg was not captured.
func (v InstrumentView) Aggregates(d Direction) []AggregateBar {
	if v.OptionAggregates == nil {
		return nil
	}
	return v.OptionAggregates[d]
}

// Context is one immutable market snapshot: everything known about the
// tracked instruments at a single point in time. Produced by a Source,
// consumed by the decision pipeline and the replay engine.
type Context struct {
	Timestamp   time.Time                 `json:"timestamp"`
	Instruments map[string]InstrumentView `json:"instruments"`
}

// Symbols returns the instrument symbols in deterministic (sorted) order.
// Both orchestrators iterate in this order so live and replay decisions
// stay byte-for-byte comparable.
func (c Context) Symbols() []string {
	syms := make([]string, 0, len(c.Instruments))
	for s := range c.Instruments {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// Validate checks the structural invariants of a snapshot: bars strictly
// time-ascending and non-overlapping, symbols non-empty and matching their
// map key. A snapshot that fails validation is rejected at the source
// boundary, never partially consumed.
func (c Context) Validate() error {
	if c.Timestamp.IsZero() {
		return fmt.Errorf("snapshot: zero timestamp")
	}
	for sym, view := range c.Instruments {
		if sym == "" {
			return fmt.Errorf("snapshot: empty instrument symbol at %s", c.Timestamp.Format(time.RFC3339))
		}
		if view.Symbol != "" && !strings.EqualFold(view.Symbol, sym) {
			return fmt.Errorf("snapshot: instrument key %q does not match view symbol %q", sym, view.Symbol)
		}
		for i := 1; i < len(view.UnderlyingBars); i++ {
			prev, cur := view.UnderlyingBars[i-1], view.UnderlyingBars[i]
			if !cur.Time.After(prev.Time) {
				return fmt.Errorf("snapshot: %s underlying bars out of order at index %d (%s >= %s)",
					sym, i, prev.Time.Format(time.RFC3339), cur.Time.Format(time.RFC3339))
			}
		}
		for leg, aggs := range view.OptionAggregates {
			for i := 1; i < len(aggs); i++ {
				if !aggs[i].Time.After(aggs[i-1].Time) {
					return fmt.Errorf("snapshot: %s %s aggregates out of order at index %d", sym, leg, i)
				}
			}
		}
	}
	return nil
}
