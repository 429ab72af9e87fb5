package historical

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Timeframe is the bucket width of a bar series.
type Timeframe int

const (
	TF1s Timeframe = iota
	TF10s
	TF1m
	TF5m
)

var timeframeNames = [...]string{"1s", "10s", "1m", "5m"}

var timeframeNanos = [...]int64{1e9, 10e9, 60e9, 300e9}

func (tf Timeframe) String() string {
	if tf < 0 || int(tf) >= len(timeframeNames) {
		return "tf(" + strconv.Itoa(int(tf)) + ")"
	}
	return timeframeNames[tf]
}

// Nanos returns the bucket width in nanoseconds.
func (tf Timeframe) Nanos() int64 {
	if tf < 0 || int(tf) >= len(timeframeNanos) {
		return timeframeNanos[0]
	}
	return timeframeNanos[tf]
}

// Bucket returns the start of the bucket containing ts.
func (tf Timeframe) Bucket(ts int64) int64 {
	d := tf.Nanos()
	b := ts / d * d
	if ts < 0 && ts%d != 0 {
		b -= d
	}
	return b
}

func (tf Timeframe) MarshalText() ([]byte, error) {
	return []byte(tf.String()), nil
}

func (tf *Timeframe) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*tf = parsed
	return nil
}

// ParseTimeframe accepts 1s, 10s, 1m and 5m.
func ParseTimeframe(s string) (Timeframe, error) {
	for i, name := range timeframeNames {
		if s == name {
			return Timeframe(i), nil
		}
	}
	return TF1s, fmt.Errorf("%w: %q (expected 1s, 10s, 1m or 5m)", ErrInvalidTimeframe, s)
}

// Timeframes lists every supported timeframe, finest first.
func Timeframes() []Timeframe {
	return []Timeframe{TF1s, TF10s, TF1m, TF5m}
}

// DepthLevels is the number of price levels per side in a depth snapshot.
const DepthLevels = 10

// Level is one price level. A zero price marks an empty slot.
type Level struct {
	Price float64
	Size  uint32
}

// Empty reports whether the level carries no usable liquidity.
func (l Level) Empty() bool {
	return l.Price <= 0 || l.Size == 0
}

// MarshalJSON encodes the level as [price, size] with a null price for empty slots.
func (l Level) MarshalJSON() ([]byte, error) {
	if l.Price <= 0 {
		return json.Marshal([2]any{nil, l.Size})
	}
	return json.Marshal([2]any{l.Price, l.Size})
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var pair [2]*float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	*l = Level{}
	if pair[0] != nil {
		l.Price = *pair[0]
	}
	if pair[1] != nil && *pair[1] > 0 {
		l.Size = uint32(*pair[1])
	}
	return nil
}

// DepthSnapshot is a top-of-book view at one instant, levels sorted best to worst.
type DepthSnapshot struct {
	Timestamp int64              `json:"ts_event"`
	Bids      [DepthLevels]Level `json:"bids"`
	Asks      [DepthLevels]Level `json:"asks"`
}

// BestBid returns the top bid price, or 0 when the side is empty.
func (d *DepthSnapshot) BestBid() float64 {
	if d == nil || d.Bids[0].Price <= 0 {
		return 0
	}
	return d.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 when the side is empty.
func (d *DepthSnapshot) BestAsk() float64 {
	if d == nil || d.Asks[0].Price <= 0 {
		return 0
	}
	return d.Asks[0].Price
}

// SizeAt returns the displayed size at exactly price on the bid (bids=true) or ask side.
func (d *DepthSnapshot) SizeAt(bids bool, price float64) uint32 {
	if d == nil {
		return 0
	}
	levels := d.Asks
	if bids {
		levels = d.Bids
	}
	for _, l := range levels {
		if l.Price > 0 && l.Price == price {
			return l.Size
		}
	}
	return 0
}

// TradePrint is one execution on the tape.
type TradePrint struct {
	Timestamp int64   `json:"ts_event"`
	Price     float64 `json:"price"`
	Size      uint32  `json:"size"`
}

// Bar is one OHLCV bucket keyed by its start time.
type Bar struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    uint64  `json:"v"`
}

// End returns the exclusive end of the bar's bucket.
func (b Bar) End(tf Timeframe) int64 {
	return b.Timestamp + tf.Nanos()
}

// Day holds one symbol's depth, trades and bars for a single session,
// each sorted by timestamp. A loaded Day is read-only.
type Day struct {
	Symbol    string
	Date      string
	Dir       string
	Timeframe Timeframe

	Depth  []DepthSnapshot
	Trades []TradePrint
	Bars   []Bar
}

// Bounds returns the earliest and latest timestamp across all three series.
func (d *Day) Bounds() (lo, hi int64, ok bool) {
	first := true
	consider := func(ts int64) {
		if first {
			lo, hi, first = ts, ts, false
			return
		}
		if ts < lo {
			lo = ts
		}
		if ts > hi {
			hi = ts
		}
	}
	if n := len(d.Depth); n > 0 {
		consider(d.Depth[0].Timestamp)
		consider(d.Depth[n-1].Timestamp)
	}
	if n := len(d.Trades); n > 0 {
		consider(d.Trades[0].Timestamp)
		consider(d.Trades[n-1].Timestamp)
	}
	if n := len(d.Bars); n > 0 {
		consider(d.Bars[0].Timestamp)
		consider(d.Bars[n-1].Timestamp)
	}
	return lo, hi, !first
}

// BarTimestamps returns the bucket start of every bar.
func (d *Day) BarTimestamps() []int64 {
	out := make([]int64, len(d.Bars))
	for i, b := range d.Bars {
		out[i] = b.Timestamp
	}
	return out
}
