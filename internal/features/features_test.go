package features

import (
	"math"
	"testing"
	"time"

	"optionpilot/internal/snapshot"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

// minuteBars builds n one-minute bars ending at now, closes rising linearly
// from start to end.
func minuteBars(n int, start, end float64) []snapshot.Bar {
	bars := make([]snapshot.Bar, n)
	for i := 0; i < n; i++ {
		frac := 0.0
		if n > 1 {
			frac = float64(i) / float64(n-1)
		}
		bars[i] = snapshot.Bar{
			Time:  now.Add(-time.Duration(n-1-i) * time.Minute),
			Close: start + (end-start)*frac,
		}
	}
	return bars
}

func callAggs(n int, startVWAP, endVWAP, volumePerBar float64) []snapshot.AggregateBar {
	aggs := make([]snapshot.AggregateBar, n)
	for i := 0; i < n; i++ {
		frac := 0.0
		if n > 1 {
			frac = float64(i) / float64(n-1)
		}
		v := startVWAP + (endVWAP-startVWAP)*frac
		aggs[i] = snapshot.AggregateBar{
			Time:   now.Add(-time.Duration(n-1-i) * time.Minute),
			Close:  v,
			VWAP:   v,
			Volume: volumePerBar,
		}
	}
	return aggs
}

func TestExtract_MomentumAbsentWithFewerThanTwoBars(t *testing.T) {
	for _, bars := range [][]snapshot.Bar{nil, minuteBars(1, 100, 100)} {
		set := Extract(snapshot.InstrumentView{UnderlyingBars: bars}, now, Config{})
		if _, ok := set.Get(Momentum15m); ok {
			t.Fatalf("momentum must be absent with %d bars", len(bars))
		}
		if _, ok := set.Get(Momentum60m); ok {
			t.Fatalf("momentum_60m must be absent with %d bars", len(bars))
		}
	}
}

func TestExtract_AbsenceIsMissingKeyNotZero(t *testing.T) {
	set := Extract(snapshot.InstrumentView{}, now, Config{})
	if len(set) != 0 {
		t.Fatalf("empty view must produce an empty set, got %v", set)
	}
}

func TestExtract_Momentum15m(t *testing.T) {
	// 30 bars rising 100 -> 100.5; the close 15 minutes back sits exactly on
	// a bar, so no interpolation is involved.
	bars := minuteBars(30, 100, 100.5)
	set := Extract(snapshot.InstrumentView{UnderlyingBars: bars}, now, Config{})

	m, ok := set.Get(Momentum15m)
	if !ok {
		t.Fatal("momentum_15m absent")
	}
	start := bars[14].Close // bar at now-15m
	want := (100.5 - start) / start
	if math.Abs(m-want) > 1e-9 {
		t.Fatalf("want %v, got %v", want, m)
	}
	if m <= 0 {
		t.Fatalf("rising closes must give positive momentum, got %v", m)
	}
}

func TestExtract_MomentumWindowClampedToFirstBar(t *testing.T) {
	// Only 5 bars of history: the 60m window reaches past the first bar, so
	// the first bar stands in as the start point.
	bars := minuteBars(5, 100, 101)
	set := Extract(snapshot.InstrumentView{UnderlyingBars: bars}, now, Config{})

	m, ok := set.Get(Momentum60m)
	if !ok {
		t.Fatal("momentum_60m absent")
	}
	want := (101.0 - 100.0) / 100.0
	if math.Abs(m-want) > 1e-9 {
		t.Fatalf("want %v, got %v", want, m)
	}
}

func TestExtract_RealizedVolNeedsReturns(t *testing.T) {
	set := Extract(snapshot.InstrumentView{UnderlyingBars: minuteBars(2, 100, 101)}, now, Config{})
	if _, ok := set.Get(RealizedVol); ok {
		t.Fatal("realized vol must be absent with fewer than 3 bars")
	}

	set = Extract(snapshot.InstrumentView{UnderlyingBars: minuteBars(30, 100, 101)}, now, Config{})
	v, ok := set.Get(RealizedVol)
	if !ok {
		t.Fatal("realized vol absent with 30 bars")
	}
	if v < 0 {
		t.Fatalf("vol must be non-negative, got %v", v)
	}
}

func TestExtract_TapeNeedsMinBarsPerLeg(t *testing.T) {
	view := snapshot.InstrumentView{
		OptionAggregates: map[snapshot.Direction][]snapshot.AggregateBar{
			snapshot.Call: callAggs(4, 2.0, 2.1, 5),
		},
	}
	set := Extract(view, now, Config{MinAggregateBars: 5})
	if _, ok := set.Get(OptionAggMomentum); ok {
		t.Fatal("tape momentum must be absent below the bar floor")
	}

	view.OptionAggregates[snapshot.Call] = callAggs(5, 2.0, 2.1, 5)
	set = Extract(view, now, Config{MinAggregateBars: 5})
	m, ok := set.Get(OptionAggMomentum)
	if !ok {
		t.Fatal("tape momentum absent at the bar floor")
	}
	want := (2.1 - 2.0) / 2.0
	if math.Abs(m-want) > 1e-9 {
		t.Fatalf("want %v, got %v", want, m)
	}
}

func TestExtract_TapeCallMinusPut(t *testing.T) {
	view := snapshot.InstrumentView{
		OptionAggregates: map[snapshot.Direction][]snapshot.AggregateBar{
			snapshot.Call: callAggs(10, 2.0, 2.2, 5),  // +10%
			snapshot.Put:  callAggs(10, 1.0, 1.05, 5), // +5%
		},
	}
	set := Extract(view, now, Config{})
	m, ok := set.Get(OptionAggMomentum)
	if !ok {
		t.Fatal("tape momentum absent")
	}
	want := 0.10 - 0.05
	if math.Abs(m-want) > 1e-9 {
		t.Fatalf("want call minus put drift %v, got %v", want, m)
	}
}

func TestExtract_PutOnlyTapeIsBearish(t *testing.T) {
	view := snapshot.InstrumentView{
		OptionAggregates: map[snapshot.Direction][]snapshot.AggregateBar{
			snapshot.Put: callAggs(10, 1.0, 1.1, 5),
		},
	}
	set := Extract(view, now, Config{})
	m, ok := set.Get(OptionAggMomentum)
	if !ok {
		t.Fatal("tape momentum absent")
	}
	if m >= 0 {
		t.Fatalf("rising put tape must read bearish, got %v", m)
	}
}

func TestLegVWAPDrift(t *testing.T) {
	view := snapshot.InstrumentView{
		OptionAggregates: map[snapshot.Direction][]snapshot.AggregateBar{
			snapshot.Call: callAggs(10, 2.0, 2.1, 5),
		},
	}
	d, ok := LegVWAPDrift(view, snapshot.Call)
	if !ok {
		t.Fatal("drift absent")
	}
	if math.Abs(d-0.05) > 1e-9 {
		t.Fatalf("want 0.05, got %v", d)
	}
	if _, ok := LegVWAPDrift(view, snapshot.Put); ok {
		t.Fatal("missing leg must report no drift")
	}
}
