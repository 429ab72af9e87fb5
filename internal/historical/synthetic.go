package historical

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"reflect"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
)

// DayType selects the shape of a synthetic price path.
type DayType int

const (
	DayTypeChoppy    DayType = iota // Mean-reverting around the open
	DayTypeTrendUp                  // Drifts higher with pullbacks
	DayTypeTrendDown                // Drifts lower with bounces
)

// SyntheticConfig configures synthetic day generation.
type SyntheticConfig struct {
	Symbol     string
	Day        string  // YYYY-MM-DD
	Open       string  // Local wall time of the first second, e.g. "09:30"
	Timezone   string
	Seconds    int     // Session length in seconds
	BasePrice  float64
	Tick       float64
	Volatility float64 // Per-second volatility as a fraction of price
	DayType    DayType
}

// DefaultSyntheticConfig returns a half-hour choppy session starting at the open.
func DefaultSyntheticConfig(symbol, day string) SyntheticConfig {
	return SyntheticConfig{
		Symbol:     symbol,
		Day:        day,
		Open:       "09:30",
		Timezone:   DefaultTimezone,
		Seconds:    1800,
		BasePrice:  25.00,
		Tick:       0.01,
		Volatility: 0.0004,
		DayType:    DayTypeChoppy,
	}
}

// SyntheticGenerator creates deterministic depth, tape and bars for a day.
type SyntheticGenerator struct {
	rng *rand.Rand
}

// NewSyntheticGeneratorWithSeed creates a generator with a fixed seed.
func NewSyntheticGeneratorWithSeed(seed int64) *SyntheticGenerator {
	return &SyntheticGenerator{rng: rand.New(rand.NewSource(seed))}
}

// GenerateDay builds a 1s Day. One depth snapshot is produced per second and
// zero to three prints follow it inside that second, so some 1s buckets are empty.
func (g *SyntheticGenerator) GenerateDay(cfg SyntheticConfig) (*Day, error) {
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	open, err := time.ParseInLocation("2006-01-02 15:04", cfg.Day+" "+cfg.Open, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidDay, cfg.Day, cfg.Open)
	}
	if cfg.Seconds <= 0 || cfg.BasePrice <= 0 || cfg.Tick <= 0 {
		return nil, fmt.Errorf("synthetic config: seconds, base price and tick must be positive")
	}

	day := &Day{Symbol: cfg.Symbol, Date: cfg.Day, Timeframe: TF1s}
	t0 := open.UnixNano()
	mid := cfg.BasePrice
	drift := 0.0
	switch cfg.DayType {
	case DayTypeTrendUp:
		drift = cfg.Volatility * 0.05
	case DayTypeTrendDown:
		drift = -cfg.Volatility * 0.05
	}

	for i := 0; i < cfg.Seconds; i++ {
		if cfg.DayType == DayTypeChoppy {
			drift = 0.01 * (cfg.BasePrice - mid) / cfg.BasePrice
		}
		mid *= 1 + drift + g.rng.NormFloat64()*cfg.Volatility
		mid = math.Max(mid, cfg.Tick*10)

		ts := t0 + int64(i)*int64(time.Second)
		bid := roundTick(mid-cfg.Tick/2, cfg.Tick)
		ask := bid + cfg.Tick*float64(1+g.rng.Intn(2))
		ask = roundTick(ask, cfg.Tick)

		snap := DepthSnapshot{Timestamp: ts}
		for j := 0; j < DepthLevels; j++ {
			snap.Bids[j] = Level{Price: roundTick(bid-float64(j)*cfg.Tick, cfg.Tick), Size: uint32(100 * (1 + g.rng.Intn(20)))}
			snap.Asks[j] = Level{Price: roundTick(ask+float64(j)*cfg.Tick, cfg.Tick), Size: uint32(100 * (1 + g.rng.Intn(20)))}
		}
		day.Depth = append(day.Depth, snap)

		n := g.rng.Intn(4)
		for k := 0; k < n; k++ {
			px := bid
			if g.rng.Intn(2) == 1 {
				px = ask
			}
			day.Trades = append(day.Trades, TradePrint{
				Timestamp: ts + int64(k+1)*int64(200*time.Millisecond),
				Price:     px,
				Size:      uint32(1 + g.rng.Intn(5)*100 + g.rng.Intn(100)),
			})
		}
	}

	day.Bars = AggregateTrades(day.Trades, TF1s)
	return day, nil
}

func roundTick(px, tick float64) float64 {
	return math.Round(px/tick) * tick
}

// AggregateTrades buckets prints into bars of tf. Buckets without prints are omitted.
func AggregateTrades(trades []TradePrint, tf Timeframe) []Bar {
	var out []Bar
	for _, tr := range trades {
		b := tf.Bucket(tr.Timestamp)
		if n := len(out); n > 0 && out[n-1].Timestamp == b {
			last := &out[n-1]
			last.High = math.Max(last.High, tr.Price)
			last.Low = math.Min(last.Low, tr.Price)
			last.Close = tr.Price
			last.Volume += uint64(tr.Size)
			continue
		}
		out = append(out, Bar{Timestamp: b, Open: tr.Price, High: tr.Price, Low: tr.Price, Close: tr.Price, Volume: uint64(tr.Size)})
	}
	return out
}

// AggregateBars rolls finer bars up into tf buckets.
func AggregateBars(bars []Bar, tf Timeframe) []Bar {
	var out []Bar
	for _, bar := range bars {
		b := tf.Bucket(bar.Timestamp)
		if n := len(out); n > 0 && out[n-1].Timestamp == b {
			last := &out[n-1]
			last.High = math.Max(last.High, bar.High)
			last.Low = math.Min(last.Low, bar.Low)
			last.Close = bar.Close
			last.Volume += bar.Volume
			continue
		}
		bar.Timestamp = b
		out = append(out, bar)
	}
	return out
}

// WriteDay writes the depth, trades and every timeframe's bar file for day into dir.
func WriteDay(dir string, day *Day) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := WriteDepthFile(DepthPath(dir, day.Date), day.Symbol, day.Depth); err != nil {
		return err
	}
	if err := WriteTradesFile(TradesPath(dir, day.Date), day.Symbol, day.Trades); err != nil {
		return err
	}
	for _, tf := range Timeframes() {
		bars := day.Bars
		if tf != TF1s {
			bars = AggregateBars(day.Bars, tf)
		}
		if err := WriteBarsFile(BarsPath(dir, day.Date, tf), day.Symbol, bars, "ts_event"); err != nil {
			return err
		}
	}
	return nil
}

type tradeRow struct {
	TsEvent int64   `parquet:"ts_event"`
	Symbol  string  `parquet:"symbol"`
	Price   float64 `parquet:"price"`
	Size    uint32  `parquet:"size"`
}

type barRow struct {
	TsEvent int64   `parquet:"ts_event"`
	Symbol  string  `parquet:"symbol"`
	Open    float64 `parquet:"open"`
	High    float64 `parquet:"high"`
	Low     float64 `parquet:"low"`
	Close   float64 `parquet:"close"`
	Volume  uint64  `parquet:"volume"`
}

type barRowTS struct {
	Ts     int64   `parquet:"ts"`
	Symbol string  `parquet:"symbol"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume uint64  `parquet:"volume"`
}

type depthRow struct {
	TsEvent int64   `parquet:"ts_event"`
	Symbol  string  `parquet:"symbol"`
	BidPx00 float64 `parquet:"bid_px_00"`
	BidPx01 float64 `parquet:"bid_px_01"`
	BidPx02 float64 `parquet:"bid_px_02"`
	BidPx03 float64 `parquet:"bid_px_03"`
	BidPx04 float64 `parquet:"bid_px_04"`
	BidPx05 float64 `parquet:"bid_px_05"`
	BidPx06 float64 `parquet:"bid_px_06"`
	BidPx07 float64 `parquet:"bid_px_07"`
	BidPx08 float64 `parquet:"bid_px_08"`
	BidPx09 float64 `parquet:"bid_px_09"`
	BidSz00 uint32  `parquet:"bid_sz_00"`
	BidSz01 uint32  `parquet:"bid_sz_01"`
	BidSz02 uint32  `parquet:"bid_sz_02"`
	BidSz03 uint32  `parquet:"bid_sz_03"`
	BidSz04 uint32  `parquet:"bid_sz_04"`
	BidSz05 uint32  `parquet:"bid_sz_05"`
	BidSz06 uint32  `parquet:"bid_sz_06"`
	BidSz07 uint32  `parquet:"bid_sz_07"`
	BidSz08 uint32  `parquet:"bid_sz_08"`
	BidSz09 uint32  `parquet:"bid_sz_09"`
	AskPx00 float64 `parquet:"ask_px_00"`
	AskPx01 float64 `parquet:"ask_px_01"`
	AskPx02 float64 `parquet:"ask_px_02"`
	AskPx03 float64 `parquet:"ask_px_03"`
	AskPx04 float64 `parquet:"ask_px_04"`
	AskPx05 float64 `parquet:"ask_px_05"`
	AskPx06 float64 `parquet:"ask_px_06"`
	AskPx07 float64 `parquet:"ask_px_07"`
	AskPx08 float64 `parquet:"ask_px_08"`
	AskPx09 float64 `parquet:"ask_px_09"`
	AskSz00 uint32  `parquet:"ask_sz_00"`
	AskSz01 uint32  `parquet:"ask_sz_01"`
	AskSz02 uint32  `parquet:"ask_sz_02"`
	AskSz03 uint32  `parquet:"ask_sz_03"`
	AskSz04 uint32  `parquet:"ask_sz_04"`
	AskSz05 uint32  `parquet:"ask_sz_05"`
	AskSz06 uint32  `parquet:"ask_sz_06"`
	AskSz07 uint32  `parquet:"ask_sz_07"`
	AskSz08 uint32  `parquet:"ask_sz_08"`
	AskSz09 uint32  `parquet:"ask_sz_09"`
}

// WriteDepthFile writes depth snapshots for symbol. Empty slots are written as zero.
func WriteDepthFile(path, symbol string, depth []DepthSnapshot) error {
	rows := make([]depthRow, len(depth))
	for i, snap := range depth {
		rows[i] = depthRow{TsEvent: snap.Timestamp, Symbol: symbol}
		v := reflect.ValueOf(&rows[i]).Elem()
		for j := 0; j < DepthLevels; j++ {
			v.FieldByName(fmt.Sprintf("BidPx%02d", j)).SetFloat(snap.Bids[j].Price)
			v.FieldByName(fmt.Sprintf("BidSz%02d", j)).SetUint(uint64(snap.Bids[j].Size))
			v.FieldByName(fmt.Sprintf("AskPx%02d", j)).SetFloat(snap.Asks[j].Price)
			v.FieldByName(fmt.Sprintf("AskSz%02d", j)).SetUint(uint64(snap.Asks[j].Size))
		}
	}
	return parquet.WriteFile(path, rows)
}

// WriteTradesFile writes prints for symbol.
func WriteTradesFile(path, symbol string, trades []TradePrint) error {
	rows := make([]tradeRow, len(trades))
	for i, tr := range trades {
		rows[i] = tradeRow{TsEvent: tr.Timestamp, Symbol: symbol, Price: tr.Price, Size: tr.Size}
	}
	return parquet.WriteFile(path, rows)
}

// WriteBarsFile writes bars for symbol using tsColumn ("ts_event" or "ts") for the bucket time.
func WriteBarsFile(path, symbol string, bars []Bar, tsColumn string) error {
	sorted := make([]Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	if tsColumn == "ts" {
		rows := make([]barRowTS, len(sorted))
		for i, b := range sorted {
			rows[i] = barRowTS{Ts: b.Timestamp, Symbol: symbol, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
		}
		return parquet.WriteFile(path, rows)
	}
	rows := make([]barRow, len(sorted))
	for i, b := range sorted {
		rows[i] = barRow{TsEvent: b.Timestamp, Symbol: symbol, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	return parquet.WriteFile(path, rows)
}
