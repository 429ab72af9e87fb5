package historical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sec = int64(1e9)

func barsAt(secs ...int64) []Bar {
	out := make([]Bar, len(secs))
	for i, s := range secs {
		out[i] = Bar{Timestamp: s * sec, Open: 10, High: 10, Low: 10, Close: 10, Volume: 100}
	}
	return out
}

func TestResolveEffective(t *testing.T) {
	day := &Day{Timeframe: TF1s, Bars: barsAt(0, 1, 3, 4)}

	tests := []struct {
		name     string
		ts       int64
		want     int64
		wantWarn bool
		wantErr  error
	}{
		{name: "exact bucket", ts: 1 * sec, want: 1 * sec},
		{name: "gap snaps back", ts: 2 * sec, want: 1 * sec, wantWarn: true},
		{name: "inside bucket snaps back", ts: 3*sec + 500, want: 3 * sec, wantWarn: true},
		{name: "last bucket", ts: 4 * sec, want: 4 * sec},
		{name: "before first", ts: -1, wantErr: ErrOutOfRange},
		{name: "after last", ts: 4*sec + 1, wantErr: ErrOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff, warn, err := day.ResolveEffective(tt.ts)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, eff)
			if tt.wantWarn {
				assert.NotEmpty(t, warn)
			} else {
				assert.Empty(t, warn)
			}
		})
	}
}

func TestResolveEffectiveNoBars(t *testing.T) {
	_, _, err := (&Day{}).ResolveEffective(0)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, "selected time does not exist in data range: no bars loaded", err.Error())
}

func TestBookAtOrBefore(t *testing.T) {
	day := &Day{Depth: []DepthSnapshot{
		{Timestamp: 10},
		{Timestamp: 20},
		{Timestamp: 20},
		{Timestamp: 30},
	}}
	day.Depth[2].Bids[0] = Level{Price: 9.99, Size: 5}

	book, ok := day.BookAtOrBefore(5)
	require.True(t, ok)
	assert.Equal(t, int64(10), book.Timestamp, "falls back to the earliest book")

	book, _ = day.BookAtOrBefore(20)
	assert.Equal(t, int64(20), book.Timestamp)
	assert.Equal(t, 9.99, book.BestBid(), "rightmost of equal timestamps wins")

	book, _ = day.BookAtOrBefore(29)
	assert.Equal(t, int64(20), book.Timestamp)

	book, _ = day.BookAtOrBefore(100)
	assert.Equal(t, int64(30), book.Timestamp)

	_, ok = (&Day{}).BookAtOrBefore(1)
	assert.False(t, ok)
}

func TestTradesBefore(t *testing.T) {
	day := &Day{}
	for i := int64(1); i <= 10; i++ {
		day.Trades = append(day.Trades, TradePrint{Timestamp: i, Price: float64(i), Size: 1})
	}

	got := day.TradesBefore(7, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{5, 6, 7}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})

	assert.Len(t, day.TradesBefore(2, 60), 2)
	assert.Empty(t, day.TradesBefore(0, 60))
}

func TestBarsWindowInclusive(t *testing.T) {
	day := &Day{Timeframe: TF1s, Bars: barsAt(0, 1, 3, 4)}

	got := day.BarsWindow(1*sec, 3*sec)
	require.Len(t, got, 2)
	assert.Equal(t, 1*sec, got[0].Timestamp)
	assert.Equal(t, 3*sec, got[1].Timestamp)

	assert.Empty(t, day.BarsWindow(5*sec, 9*sec))
}

func TestSnapshotAt(t *testing.T) {
	var secs []int64
	for i := int64(0); i < 40; i++ {
		secs = append(secs, i)
	}
	day := &Day{
		Timeframe: TF1s,
		Bars:      barsAt(secs...),
		Depth:     []DepthSnapshot{{Timestamp: 5 * sec}},
		Trades:    []TradePrint{{Timestamp: 30 * sec, Price: 10, Size: 1}, {Timestamp: 31 * sec, Price: 11, Size: 1}},
	}

	snap, err := day.SnapshotAt(30 * sec)
	require.NoError(t, err)
	assert.Equal(t, 30*sec, snap.Effective)
	require.NotNil(t, snap.Book)
	assert.Equal(t, 5*sec, snap.BookTS)
	assert.Len(t, snap.Trades, 1)
	require.Len(t, snap.Candles, 21)
	assert.Equal(t, 10*sec, snap.Candles[0].Timestamp)

	early, err := day.SnapshotAt(3 * sec)
	require.NoError(t, err)
	assert.Equal(t, int64(0), early.Candles[0].Timestamp, "window clamps at the first bar")
}

func TestCandlesEndingAt(t *testing.T) {
	day := &Day{Timeframe: TF10s, Bars: []Bar{{Timestamp: 0}, {Timestamp: 10 * sec}, {Timestamp: 20 * sec}, {Timestamp: 30 * sec}}}

	w, err := day.CandlesEndingAt(25*sec, 1)
	require.NoError(t, err)
	assert.Equal(t, 20*sec, w.EndEffective)
	assert.NotEmpty(t, w.Warning)
	require.Len(t, w.Candles, 2)
	assert.Equal(t, 10*sec, w.Candles[0].Timestamp)
}

func TestBounds(t *testing.T) {
	day := &Day{
		Depth:  []DepthSnapshot{{Timestamp: 5}, {Timestamp: 50}},
		Trades: []TradePrint{{Timestamp: 3}, {Timestamp: 40}},
		Bars:   []Bar{{Timestamp: 10}, {Timestamp: 60}},
	}
	lo, hi, ok := day.Bounds()
	require.True(t, ok)
	assert.Equal(t, int64(3), lo)
	assert.Equal(t, int64(60), hi)

	_, _, ok = (&Day{}).Bounds()
	assert.False(t, ok)
}

func TestTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("1m")
	require.NoError(t, err)
	assert.Equal(t, TF1m, tf)
	assert.Equal(t, int64(60e9), tf.Nanos())
	assert.Equal(t, int64(120e9), tf.Bucket(179e9))

	_, err = ParseTimeframe("2h")
	assert.ErrorIs(t, err, ErrInvalidTimeframe)
}

func TestLevelJSON(t *testing.T) {
	b, err := Level{Price: 0, Size: 0}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[null, 0]`, string(b))

	var l Level
	require.NoError(t, l.UnmarshalJSON([]byte(`[10.5, 300]`)))
	assert.Equal(t, Level{Price: 10.5, Size: 300}, l)
}
