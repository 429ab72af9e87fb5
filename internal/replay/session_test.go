package replay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tapesim/internal/account"
	"tapesim/internal/historical"
	"tapesim/internal/journal"
	"tapesim/internal/orderbook"
	"tapesim/internal/stream"
)

const (
	testSymbol = "ABCD"
	testDay    = "2024-03-04"
)

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) Broadcast(m any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) updates(kind string) []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Update
	for _, m := range r.msgs {
		if u, ok := m.(Update); ok && u.Type == kind {
			out = append(out, u)
		}
	}
	return out
}

type fixture struct {
	session *Session
	day     *historical.Day
	store   *historical.Store
	bc      *recorder
	journal *journal.Journal
}

func newFixture(t *testing.T, opts Options, sleep stream.SleepFunc) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := historical.DefaultSyntheticConfig(testSymbol, testDay)
	cfg.Seconds = 150
	day, err := historical.NewSyntheticGeneratorWithSeed(11).GenerateDay(cfg)
	require.NoError(t, err)
	require.NoError(t, historical.WriteDay(dir, day))

	j, err := journal.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	sched := stream.NewScheduler(nil)
	if sleep != nil {
		sched.Sleep = sleep
	}
	store := historical.NewStore(dir, nil)
	bc := &recorder{}
	s := NewSession(Deps{
		Store:       store,
		Scheduler:   sched,
		Engine:      orderbook.NewEngine(orderbook.DefaultConfig(), account.DefaultSettings()),
		Recorder:    j,
		Broadcaster: bc,
	}, opts)
	t.Cleanup(s.Close)

	return &fixture{session: s, day: day, store: store, bc: bc, journal: j}
}

func instant(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func tfPtr(tf historical.Timeframe) *historical.Timeframe { return &tf }

func waitPaused(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == StatePaused }, 5*time.Second, 5*time.Millisecond)
}

func TestLoadSnapsAndPauses(t *testing.T) {
	f := newFixture(t, Options{}, instant)
	bars := f.day.Bars
	target := bars[len(bars)/2].Timestamp + 500*int64(time.Millisecond)

	st, err := f.session.Load(context.Background(), LoadRequest{Symbol: testSymbol, Day: testDay, Timestamp: target})
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st.State)
	require.NotNil(t, st.Playhead)
	assert.Equal(t, bars[len(bars)/2].Timestamp, *st.Playhead)
	assert.NotEmpty(t, st.Warning)

	require.NotNil(t, st.Book)
	assert.LessOrEqual(t, st.Book.Timestamp, *st.Playhead)
	assert.LessOrEqual(t, len(st.Tape), TapeLength)
	for _, tr := range st.Tape {
		assert.LessOrEqual(t, tr.Timestamp, *st.Playhead)
	}
	for _, b := range st.Charts["1s"] {
		assert.LessOrEqual(t, b.Timestamp, *st.Playhead)
	}
	assert.Len(t, f.bc.updates(UpdateStatus), 1)
}

func TestLoadErrors(t *testing.T) {
	f := newFixture(t, Options{}, instant)
	ctx := context.Background()

	_, err := f.session.Load(ctx, LoadRequest{Symbol: testSymbol, Day: testDay, Timestamp: f.day.Bars[0].Timestamp - 1})
	assert.ErrorIs(t, err, historical.ErrOutOfRange)

	_, err = f.session.Load(ctx, LoadRequest{Symbol: testSymbol})
	assert.ErrorIs(t, err, ErrInvalidLoad)

	_, err = f.session.Load(ctx, LoadRequest{Symbol: "WXYZ", Day: testDay})
	assert.ErrorIs(t, err, historical.ErrSymbolNotFound)

	_, ok := f.session.Playhead()
	assert.False(t, ok)
}

func TestPlayRequiresLoadOrDefaults(t *testing.T) {
	f := newFixture(t, Options{}, instant)
	_, err := f.session.Play(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = f.session.Play(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidSpeed)
	_, err = f.session.Play(context.Background(), -2)
	assert.ErrorIs(t, err, ErrInvalidSpeed)

	g := newFixture(t, Options{Symbol: testSymbol, Day: testDay}, instant)
	st, err := g.session.Play(context.Background(), 10)
	require.NoError(t, err)
	require.NotNil(t, st.Playhead)
	assert.Equal(t, g.day.Bars[0].Timestamp, *st.Playhead)
	waitPaused(t, g.session)
}

func TestPlayRunsToEndWithMonotonicTape(t *testing.T) {
	f := newFixture(t, Options{}, instant)
	ctx := context.Background()
	_, err := f.session.Load(ctx, LoadRequest{Symbol: testSymbol, Day: testDay})
	require.NoError(t, err)

	_, err = f.session.Play(ctx, 5)
	require.NoError(t, err)
	waitPaused(t, f.session)

	_, hi, ok := f.day.Bounds()
	require.True(t, ok)
	ph, loaded := f.session.Playhead()
	require.True(t, loaded)
	assert.Equal(t, hi, ph)

	trades := f.bc.updates(UpdateTrade)
	require.NotEmpty(t, trades)
	var prev int64
	for _, u := range trades {
		tr := u.Data.(historical.TradePrint)
		assert.GreaterOrEqual(t, tr.Timestamp, prev)
		prev = tr.Timestamp
	}

	// Every print after the load instant is replayed exactly once.
	first := f.day.Bars[0].Timestamp
	want := 0
	for _, tr := range f.day.Trades {
		if tr.Timestamp > first {
			want++
		}
	}
	assert.Len(t, trades, want)
	require.Eventually(t, func() bool { return len(f.bc.updates(UpdateEOS)) == 1 }, 5*time.Second, 5*time.Millisecond)
	playheads := f.bc.updates(UpdatePlayhead)
	require.NotEmpty(t, playheads)
	assert.Equal(t, hi, playheads[len(playheads)-1].Data.(int64))

	require.Eventually(t, func() bool {
		states := f.bc.updates(UpdateState)
		return len(states) > 0 && states[len(states)-1].Data.(StateUpdate).State == StatePaused
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPauseHoldsPlayhead(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	st, err := f.session.Load(ctx, LoadRequest{Symbol: testSymbol, Day: testDay})
	require.NoError(t, err)

	// At this speed the next event is hours of wall time away.
	_, err = f.session.Play(ctx, stream.MinSpeed)
	require.NoError(t, err)
	assert.Equal(t, StatePlaying, f.session.State())

	paused := f.session.Pause()
	assert.Equal(t, StatePaused, paused.State)
	assert.Equal(t, *st.Playhead, *paused.Playhead)
}

func TestChartsHaveNoLookAhead(t *testing.T) {
	f := newFixture(t, Options{}, instant)
	ctx := context.Background()

	t0 := f.day.Bars[0].Timestamp
	var target int64
	for _, b := range f.day.Bars {
		if b.Timestamp >= historical.TF1m.Bucket(t0)+70*int64(time.Second) {
			target = b.Timestamp
			break
		}
	}
	require.NotZero(t, target)

	st, err := f.session.Load(ctx, LoadRequest{
		Symbol:    testSymbol,
		Day:       testDay,
		Timestamp: target,
		Timeframe: tfPtr(historical.TF1s),
		Charts:    []historical.Timeframe{historical.TF1s, historical.TF1m},
	})
	require.NoError(t, err)
	eff := *st.Playhead
	bucket := historical.TF1m.Bucket(eff)

	minute := st.Charts["1m"]
	require.NotEmpty(t, minute)
	for _, b := range minute[:len(minute)-1] {
		assert.LessOrEqual(t, b.End(historical.TF1m), eff)
	}
	live := minute[len(minute)-1]
	assert.Equal(t, bucket, live.Timestamp)
	var vol uint64
	for _, tr := range f.day.TradesBetween(bucket, eff) {
		vol += uint64(tr.Size)
	}
	assert.Equal(t, vol, live.Volume)

	_, err = f.session.Play(ctx, 3)
	require.NoError(t, err)
	waitPaused(t, f.session)

	coarse, err := f.store.Load(ctx, testSymbol, testDay, historical.TF1m)
	require.NoError(t, err)
	final := f.session.Status().Charts["1m"]
	ph, _ := f.session.Playhead()
	for _, b := range final {
		// Bars whose bucket ended match the recorded history exactly.
		if b.End(historical.TF1m) <= ph {
			idx := -1
			for i, h := range coarse.Bars {
				if h.Timestamp == b.Timestamp {
					idx = i
				}
			}
			require.GreaterOrEqual(t, idx, 0)
			assert.Equal(t, coarse.Bars[idx], b)
		} else {
			assert.LessOrEqual(t, b.Timestamp, ph)
		}
	}
}

func TestLoadRewindsTrading(t *testing.T) {
	f := newFixture(t, Options{}, instant)
	ctx := context.Background()
	bars := f.day.Bars

	_, err := f.session.Load(ctx, LoadRequest{Symbol: testSymbol, Day: testDay, Timestamp: bars[len(bars)-5].Timestamp})
	require.NoError(t, err)

	o, err := f.session.PlaceOrder(orderbook.Request{Side: orderbook.Buy, Type: orderbook.Market, Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, testSymbol, o.Symbol)
	assert.Equal(t, orderbook.StatusFilled, o.Status)
	assert.NotEmpty(t, f.session.Fills())
	assert.NotEmpty(t, f.bc.updates(UpdatePosition))

	journaled, err := f.journal.Fills(f.session.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, journaled)

	_, err = f.session.Load(ctx, LoadRequest{Symbol: testSymbol, Day: testDay, Timestamp: bars[1].Timestamp})
	require.NoError(t, err)
	assert.Empty(t, f.session.Orders())
	assert.Empty(t, f.session.Fills())
	for _, p := range f.session.Positions() {
		assert.True(t, p.Flat())
	}

	orders, err := f.journal.Orders(f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
	journaled, err = f.journal.Fills(f.session.ID)
	require.NoError(t, err)
	assert.Empty(t, journaled)
}

func TestTradingBeforeLoad(t *testing.T) {
	f := newFixture(t, Options{}, instant)
	_, err := f.session.PlaceOrder(orderbook.Request{Side: orderbook.Buy, Type: orderbook.Market, Quantity: 1})
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = f.session.CancelOrder("O1")
	assert.ErrorIs(t, err, orderbook.ErrOrderNotFound)

	cancelled, err := f.session.UpdateSettings(account.Settings{AllowShorting: true})
	require.NoError(t, err)
	assert.Empty(t, cancelled)
	assert.True(t, f.session.Settings().AllowShorting)
}

func (f *fixture) gen() uint64 {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	return f.session.gen
}

func (f *fixture) lastTrade() float64 {
	f.session.mu.Lock()
	defer f.session.mu.Unlock()
	return f.session.engine.LastTradePrice()
}

func tradeMsg(ts int64, px float64) stream.Message {
	tr := historical.TradePrint{Timestamp: ts, Price: px, Size: 10}
	return stream.Message{Timestamp: ts, Events: []stream.Event{{Kind: stream.KindTrade, Timestamp: ts, Trade: &tr}}}
}

func barMsg(ts int64, px float64) stream.Message {
	b := historical.Bar{Timestamp: ts, Open: px, High: px, Low: px, Close: px, Volume: 10}
	return stream.Message{Timestamp: ts, Events: []stream.Event{{Kind: stream.KindBar, Timestamp: ts, Bar: &b}}}
}

func TestHandleKeepsPlayheadAndTapeMonotonic(t *testing.T) {
	const (
		sec   = int64(time.Second)
		fresh = 50.01
		stale = 777.77
	)
	type step struct {
		primary bool
		offset  int64
		px      float64
	}
	tests := []struct {
		name       string
		steps      []step
		wantAhead  int64
		wantTrades int
	}{
		{
			name:       "trade behind an applied trade",
			steps:      []step{{true, 3 * sec, fresh}, {true, 1 * sec, stale}},
			wantAhead:  3 * sec,
			wantTrades: 1,
		},
		{
			name:       "repeated instant",
			steps:      []step{{true, 2 * sec, fresh}, {true, 2 * sec, stale}},
			wantAhead:  2 * sec,
			wantTrades: 1,
		},
		{
			name:      "stale bar",
			steps:     []step{{false, 4 * sec, fresh}, {false, 1 * sec, fresh}},
			wantAhead: 4 * sec,
		},
		{
			name:       "trade behind a bar stream",
			steps:      []step{{false, 5 * sec, fresh}, {true, 2 * sec, fresh}},
			wantAhead:  5 * sec,
			wantTrades: 1,
		},
		{
			name:      "before the load instant",
			steps:     []step{{true, -sec, stale}},
			wantAhead: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{}, instant)
			bars := f.day.Bars
			st, err := f.session.Load(context.Background(), LoadRequest{Symbol: testSymbol, Day: testDay, Timestamp: bars[len(bars)/2].Timestamp})
			require.NoError(t, err)
			eff := *st.Playhead
			lastBefore := f.lastTrade()
			gen := f.gen()

			for _, s := range tt.steps {
				ts := eff + s.offset
				if s.primary {
					f.session.handle(gen, historical.TF1s, true, tradeMsg(ts, s.px))
				} else {
					f.session.handle(gen, historical.TF1s, false, barMsg(ts, s.px))
				}
			}

			ph, _ := f.session.Playhead()
			assert.Equal(t, eff+tt.wantAhead, ph)

			var prev int64
			for _, u := range f.bc.updates(UpdatePlayhead) {
				ts := u.Data.(int64)
				assert.Greater(t, ts, prev)
				prev = ts
			}

			assert.Len(t, f.bc.updates(UpdateTrade), tt.wantTrades)
			tape := f.session.Status().Tape
			for i, tr := range tape {
				assert.NotEqual(t, stale, tr.Price)
				if i > 0 {
					assert.GreaterOrEqual(t, tr.Timestamp, tape[i-1].Timestamp)
				}
			}
			if tt.wantTrades > 0 {
				assert.InDelta(t, fresh, f.lastTrade(), 1e-9)
				assert.InDelta(t, fresh, tape[len(tape)-1].Price, 1e-9)
			} else {
				assert.Equal(t, lastBefore, f.lastTrade())
			}
		})
	}
}

func TestResumeReplaysTradesBehindBarStreams(t *testing.T) {
	f := newFixture(t, Options{}, instant)
	ctx := context.Background()
	st, err := f.session.Load(ctx, LoadRequest{Symbol: testSymbol, Day: testDay})
	require.NoError(t, err)
	eff := *st.Playhead

	var ahead historical.Bar
	for _, b := range f.day.Bars {
		if b.Timestamp >= eff+5*int64(time.Second) {
			ahead = b
			break
		}
	}
	require.NotZero(t, ahead.Timestamp)

	// A bar stream ran ahead of the book and trades before a pause.
	f.session.handle(f.gen(), historical.TF1s, false, barMsg(ahead.Timestamp, ahead.Close))
	ph, _ := f.session.Playhead()
	require.Equal(t, ahead.Timestamp, ph)

	skipped := 0
	want := 0
	for _, tr := range f.day.Trades {
		if tr.Timestamp > eff {
			want++
			if tr.Timestamp <= ahead.Timestamp {
				skipped++
			}
		}
	}
	require.Positive(t, skipped)

	_, err = f.session.Play(ctx, 5)
	require.NoError(t, err)
	waitPaused(t, f.session)

	trades := f.bc.updates(UpdateTrade)
	assert.Len(t, trades, want)
	replayed := 0
	for _, u := range trades {
		tr := u.Data.(historical.TradePrint)
		assert.Greater(t, tr.Timestamp, eff)
		if tr.Timestamp <= ahead.Timestamp {
			replayed++
		}
	}
	assert.Equal(t, skipped, replayed)

	last := f.day.Trades[len(f.day.Trades)-1]
	assert.InDelta(t, orderbook.NormalizePrice(last.Price), f.lastTrade(), 1e-9)
}
