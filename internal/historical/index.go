package historical

import (
	"fmt"
	"sort"
)

// DefaultTradeLookback is how many trailing prints a snapshot carries.
const DefaultTradeLookback = 60

// SnapshotBarContext is how many bars before the effective time a snapshot's chart window covers.
const SnapshotBarContext = 20

// Snapshot is the reconstructed market at a resolved timestamp.
type Snapshot struct {
	Requested int64          `json:"ts_requested"`
	Effective int64          `json:"ts_effective"`
	Book      *DepthSnapshot `json:"book"`
	BookTS    int64          `json:"book_ts"`
	Trades    []TradePrint   `json:"trades"`
	Candles   []Bar          `json:"candles"`
	Timeframe Timeframe      `json:"tf"`
	Warning   string         `json:"warning,omitempty"`
}

// CandleWindow is a bars-only lookback ending at a resolved timestamp.
type CandleWindow struct {
	Timeframe    Timeframe `json:"tf"`
	EndEffective int64     `json:"end_effective"`
	Candles      []Bar     `json:"candles"`
	Warning      string    `json:"warning,omitempty"`
}

// ResolveEffective snaps ts to the latest bar bucket at or before it.
// Times outside the bar coverage fail with ErrOutOfRange. A non-empty
// warning is returned when snapping moved the time.
func (d *Day) ResolveEffective(ts int64) (int64, string, error) {
	if len(d.Bars) == 0 {
		return 0, "", fmt.Errorf("%w: no bars loaded", ErrOutOfRange)
	}
	first, last := d.Bars[0].Timestamp, d.Bars[len(d.Bars)-1].Timestamp
	if ts < first || ts > last {
		return 0, "", fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, ts, first, last)
	}
	i := d.barIndexRight(ts) - 1
	eff := d.Bars[i].Timestamp
	if eff != ts {
		return eff, fmt.Sprintf("Exact chart bucket missing; snapped to %d.", eff), nil
	}
	return eff, "", nil
}

// BookAtOrBefore returns the latest depth snapshot at or before ts, falling
// back to the earliest snapshot. ok is false only when no depth was loaded.
func (d *Day) BookAtOrBefore(ts int64) (DepthSnapshot, bool) {
	if len(d.Depth) == 0 {
		return DepthSnapshot{}, false
	}
	i := sort.Search(len(d.Depth), func(i int) bool { return d.Depth[i].Timestamp > ts }) - 1
	if i < 0 {
		i = 0
	}
	return d.Depth[i], true
}

// TradesBefore returns up to limit prints at or before ts, oldest first.
func (d *Day) TradesBefore(ts int64, limit int) []TradePrint {
	j := sort.Search(len(d.Trades), func(i int) bool { return d.Trades[i].Timestamp > ts })
	i := j - limit
	if i < 0 {
		i = 0
	}
	out := make([]TradePrint, j-i)
	copy(out, d.Trades[i:j])
	return out
}

// TradesBetween returns prints with from <= ts <= to.
func (d *Day) TradesBetween(from, to int64) []TradePrint {
	i := sort.Search(len(d.Trades), func(i int) bool { return d.Trades[i].Timestamp >= from })
	j := sort.Search(len(d.Trades), func(i int) bool { return d.Trades[i].Timestamp > to })
	if j <= i {
		return nil
	}
	out := make([]TradePrint, j-i)
	copy(out, d.Trades[i:j])
	return out
}

// BarsWindow returns bars with start <= ts <= end.
func (d *Day) BarsWindow(start, end int64) []Bar {
	i := sort.Search(len(d.Bars), func(i int) bool { return d.Bars[i].Timestamp >= start })
	j := d.barIndexRight(end)
	if j <= i {
		return []Bar{}
	}
	out := make([]Bar, j-i)
	copy(out, d.Bars[i:j])
	return out
}

// StartIndexes returns, per series, the first index with timestamp >= ts.
func (d *Day) StartIndexes(ts int64) (depth, trades, bars int) {
	depth = sort.Search(len(d.Depth), func(i int) bool { return d.Depth[i].Timestamp >= ts })
	trades = sort.Search(len(d.Trades), func(i int) bool { return d.Trades[i].Timestamp >= ts })
	bars = sort.Search(len(d.Bars), func(i int) bool { return d.Bars[i].Timestamp >= ts })
	return depth, trades, bars
}

// SnapshotAt resolves ts and assembles the book, trailing tape and chart context.
func (d *Day) SnapshotAt(ts int64) (*Snapshot, error) {
	eff, warn, err := d.ResolveEffective(ts)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Requested: ts,
		Effective: eff,
		Trades:    d.TradesBefore(eff, DefaultTradeLookback),
		Candles:   d.BarsWindow(d.windowStart(eff, SnapshotBarContext), eff),
		Timeframe: d.Timeframe,
		Warning:   warn,
	}
	if book, ok := d.BookAtOrBefore(eff); ok {
		snap.Book = &book
		snap.BookTS = book.Timestamp
	}
	return snap, nil
}

// CandlesEndingAt returns up to bars buckets ending at the bar resolved from end.
func (d *Day) CandlesEndingAt(end int64, bars int) (*CandleWindow, error) {
	eff, warn, err := d.ResolveEffective(end)
	if err != nil {
		return nil, err
	}
	return &CandleWindow{
		Timeframe:    d.Timeframe,
		EndEffective: eff,
		Candles:      d.BarsWindow(d.windowStart(eff, bars), eff),
		Warning:      warn,
	}, nil
}

func (d *Day) windowStart(eff int64, bars int) int64 {
	start := eff - int64(bars)*d.Timeframe.Nanos()
	if len(d.Bars) > 0 && d.Bars[0].Timestamp > start {
		start = d.Bars[0].Timestamp
	}
	return start
}

func (d *Day) barIndexRight(ts int64) int {
	return sort.Search(len(d.Bars), func(i int) bool { return d.Bars[i].Timestamp > ts })
}
