// Package replay drives one market-replay session: it owns the playhead,
// feeds replayed book and trade updates into the matching engine and keeps
// the candle charts free of look-ahead.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"tapesim/internal/account"
	"tapesim/internal/historical"
	"tapesim/internal/orderbook"
	"tapesim/internal/stream"
)

// Broadcaster pushes updates to connected clients.
type Broadcaster interface {
	Broadcast(message any)
}

// Recorder persists order activity. *journal.Journal satisfies it.
type Recorder interface {
	RecordSession(sessionID, symbol, day string) error
	RecordOrder(sessionID string, o orderbook.Order) error
	RecordFill(sessionID string, f orderbook.Fill) error
	Rewind(sessionID string, t int64) error
}

const (
	DefaultChartBars = 500
	TapeLength       = historical.DefaultTradeLookback
)

var ErrInvalidLoad = errors.New("invalid load request")

// Options are session defaults. Symbol and Day let Play start without an
// explicit Load.
type Options struct {
	Symbol    string
	Day       string
	Timeframe historical.Timeframe
	Charts    []historical.Timeframe
	ChartBars int
}

// LoadRequest positions the session. A zero Timestamp means the first bar
// of the day; a nil Timeframe uses the session default.
type LoadRequest struct {
	Symbol    string                 `json:"symbol"`
	Day       string                 `json:"day"`
	Timestamp int64                  `json:"ts_ns"`
	Timeframe *historical.Timeframe  `json:"tf,omitempty"`
	Charts    []historical.Timeframe `json:"charts,omitempty"`
}

// Deps are the collaborators a session needs. Recorder and Broadcaster
// are optional.
type Deps struct {
	Store       *historical.Store
	Scheduler   *stream.Scheduler
	Engine      *orderbook.Engine
	Recorder    Recorder
	Broadcaster Broadcaster
	Logger      *slog.Logger
}

// Session is the single writer of replay and trading state. Stream
// goroutines and API calls all mutate it under mu; notifications are
// dispatched after the lock is released.
type Session struct {
	ID string

	ctl sync.Mutex // serializes Load, Play and Pause
	mu  sync.Mutex

	store    *historical.Store
	sched    *stream.Scheduler
	engine   *orderbook.Engine
	recorder Recorder
	bc       Broadcaster
	logger   *slog.Logger
	opts     Options

	symbol    string
	day       string
	tf        historical.Timeframe
	primary   *historical.Day
	chartDays map[historical.Timeframe]*historical.Day
	charts    map[historical.Timeframe]*Chart
	warning   string

	state    State
	loaded   bool
	playhead int64
	marketTS int64 // last instant whose book and trades were applied
	book     *historical.DepthSnapshot
	tape     []historical.TradePrint
	speed    float64

	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outbox []any
	filled bool
}

// NewSession creates a paused, unloaded session.
func NewSession(d Deps, opts Options) *Session {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChartBars <= 0 {
		opts.ChartBars = DefaultChartBars
	}
	sched := d.Scheduler
	if sched == nil {
		sched = stream.NewScheduler(logger)
	}

	s := &Session{
		ID:       uuid.NewString(),
		store:    d.Store,
		sched:    sched,
		engine:   d.Engine,
		recorder: d.Recorder,
		bc:       d.Broadcaster,
		opts:     opts,
		tf:       opts.Timeframe,
		speed:    1,
		charts:   make(map[historical.Timeframe]*Chart),
	}
	s.logger = logger.With("component", "replay", "session", s.ID)

	// Engine callbacks only fire while mu is held.
	s.engine.OnOrder(func(o orderbook.Order) {
		s.record(func(r Recorder) error { return r.RecordOrder(s.ID, o) })
		s.outbox = append(s.outbox, Update{Type: UpdateOrder, Data: o})
	})
	s.engine.OnFill(func(f orderbook.Fill) {
		s.record(func(r Recorder) error { return r.RecordFill(s.ID, f) })
		s.outbox = append(s.outbox, Update{Type: UpdateFill, Data: f})
		s.filled = true
	})
	return s
}

func (s *Session) record(fn func(Recorder) error) {
	if s.recorder == nil {
		return
	}
	if err := fn(s.recorder); err != nil {
		s.logger.Warn("journal write failed", "err", err)
	}
}

// locked runs fn under mu and dispatches whatever it queued once the lock
// is released.
func (s *Session) locked(fn func()) {
	s.mu.Lock()
	fn()
	if s.filled {
		s.filled = false
		s.outbox = append(s.outbox, Update{Type: UpdatePosition, Data: s.engine.Positions()})
	}
	msgs := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	if s.bc == nil {
		return
	}
	for _, m := range msgs {
		s.bc.Broadcast(m)
	}
}

func (s *Session) stateUpdate() Update {
	return Update{Type: UpdateState, Data: StateUpdate{State: s.state, Playhead: s.playhead, Speed: s.speed}}
}

// stop halts the running streams and waits for their goroutines.
func (s *Session) stop() {
	var cancel context.CancelFunc
	s.locked(func() {
		s.gen++
		cancel, s.cancel = s.cancel, nil
		if s.state == StatePlaying {
			s.state = StatePaused
			s.outbox = append(s.outbox, s.stateUpdate())
		}
	})
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Load pauses playback and positions the session at the bar resolved from
// req.Timestamp. Simulated trading state is rewound to that instant.
func (s *Session) Load(ctx context.Context, req LoadRequest) (*Status, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.stop()
	return s.load(ctx, req)
}

func (s *Session) load(ctx context.Context, req LoadRequest) (*Status, error) {
	symbol := strings.TrimSpace(req.Symbol)
	if symbol == "" {
		symbol = s.opts.Symbol
	}
	day := strings.TrimSpace(req.Day)
	if day == "" {
		day = s.opts.Day
	}
	if symbol == "" || day == "" {
		return nil, fmt.Errorf("%w: symbol and day are required", ErrInvalidLoad)
	}
	tf := s.opts.Timeframe
	if req.Timeframe != nil {
		tf = *req.Timeframe
	}
	chartTFs := req.Charts
	if len(chartTFs) == 0 {
		chartTFs = s.opts.Charts
	}
	if len(chartTFs) == 0 {
		chartTFs = []historical.Timeframe{tf}
	}

	primary, err := s.store.Load(ctx, symbol, day, tf)
	if err != nil {
		return nil, err
	}
	var eff int64
	var warn string
	if req.Timestamp == 0 {
		if len(primary.Bars) == 0 {
			return nil, fmt.Errorf("%w: no bars for %s %s", historical.ErrOutOfRange, symbol, day)
		}
		eff = primary.Bars[0].Timestamp
	} else if eff, warn, err = primary.ResolveEffective(req.Timestamp); err != nil {
		return nil, err
	}

	chartDays := make(map[historical.Timeframe]*historical.Day, len(chartTFs))
	for _, ctf := range chartTFs {
		if ctf == tf {
			chartDays[ctf] = primary
			continue
		}
		d, err := s.store.Load(ctx, symbol, day, ctf)
		if err != nil {
			return nil, err
		}
		chartDays[ctf] = d
	}

	var status *Status
	s.locked(func() {
		s.symbol, s.day, s.tf = symbol, day, tf
		s.primary, s.chartDays = primary, chartDays
		s.warning = warn
		s.loaded = true
		s.state = StatePaused
		s.playhead = eff
		s.marketTS = eff

		s.tape = primary.TradesBefore(eff, TapeLength)
		var last *historical.TradePrint
		lastPx := 0.0
		if n := len(s.tape); n > 0 {
			last = &s.tape[n-1]
			lastPx = last.Price
		}
		s.book = nil
		if b, ok := primary.BookAtOrBefore(eff); ok {
			s.book = &b
		}

		s.engine.SetMarket(s.book, last)
		s.engine.ResetToTime(eff)
		s.filled = false
		s.record(func(r Recorder) error {
			if err := r.RecordSession(s.ID, symbol, day); err != nil {
				return err
			}
			if err := r.Rewind(s.ID, eff); err != nil {
				return err
			}
			for _, o := range s.engine.Orders() {
				if err := r.RecordOrder(s.ID, o); err != nil {
					return err
				}
			}
			return nil
		})

		s.charts = make(map[historical.Timeframe]*Chart, len(chartDays))
		for ctf, d := range chartDays {
			c := newChart(ctf)
			start := eff - int64(s.opts.ChartBars)*ctf.Nanos()
			c.seed(d.BarsWindow(start, eff), primary.TradesBetween(ctf.Bucket(eff), eff), lastPx, eff)
			c.takeDirty()
			s.charts[ctf] = c
		}

		status = s.statusLocked()
		s.outbox = append(s.outbox, Update{Type: UpdateStatus, Data: status})
	})

	s.logger.Info("replay loaded", "symbol", symbol, "day", day, "tf", tf.String(), "requested", req.Timestamp, "effective", eff)
	return status, nil
}

// Play starts streaming from the playhead at speed. Without a prior Load
// the session loads its default symbol and day at the first bar.
func (s *Session) Play(ctx context.Context, speed float64) (*Status, error) {
	if !(speed > 0) || math.IsInf(speed, 0) {
		return nil, ErrInvalidSpeed
	}
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.stop()

	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if !loaded {
		if s.opts.Symbol == "" || s.opts.Day == "" {
			return nil, ErrNotLoaded
		}
		if _, err := s.load(ctx, LoadRequest{}); err != nil {
			return nil, err
		}
	}

	var (
		status *Status
		from   int64
	)
	s.locked(func() {
		s.gen++
		gen := s.gen
		from = s.playhead
		runCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.state = StatePlaying
		s.speed = speed

		// Bar streams can run ahead of the book and trades, so the market
		// stream resumes from the last applied instant rather than the playhead.
		s.start(runCtx, gen, s.tf, true, s.primary, stream.Options{Start: s.marketTS, Speed: speed, Channel: stream.ChannelBookAndTrades})
		for ctf, d := range s.chartDays {
			s.start(runCtx, gen, ctf, false, d, stream.Options{Start: s.playhead, Speed: speed, Channel: stream.ChannelBars})
		}
		s.outbox = append(s.outbox, s.stateUpdate())
		status = s.statusLocked()
	})
	s.logger.Info("replay playing", "speed", speed, "from", from)
	return status, nil
}

func (s *Session) start(ctx context.Context, gen uint64, tf historical.Timeframe, primary bool, day *historical.Day, opts stream.Options) {
	ch := s.sched.Stream(ctx, day, opts)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range ch {
			s.handle(gen, tf, primary, msg)
		}
	}()
}

// Pause stops playback. The playhead stays where the last applied message
// left it.
func (s *Session) Pause() *Status {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.stop()
	s.logger.Info("replay paused")
	return s.Status()
}

// Close stops any running streams.
func (s *Session) Close() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.stop()
}

// handle applies one stream message. Messages from a superseded play
// generation are dropped.
func (s *Session) handle(gen uint64, tf historical.Timeframe, primary bool, msg stream.Message) {
	var cancel context.CancelFunc
	s.locked(func() {
		if gen != s.gen {
			return
		}
		if msg.End {
			if primary {
				s.gen++
				s.state = StatePaused
				cancel, s.cancel = s.cancel, nil
				s.outbox = append(s.outbox, Update{Type: UpdateEOS, Data: s.playhead}, s.stateUpdate())
				s.logger.Info("replay reached end of data", "playhead", s.playhead)
			}
			return
		}

		prev := s.playhead
		// An instant equal to marketTS was already applied; resumed streams replay it.
		fresh := primary && msg.Timestamp > s.marketTS
		for _, ev := range msg.Events {
			switch ev.Kind {
			case stream.KindBook:
				if !fresh {
					continue
				}
				b := *ev.Book
				s.book = &b
				s.engine.OnBook(b)
				s.outbox = append(s.outbox, Update{Type: UpdateBook, Data: b})
			case stream.KindTrade:
				if !fresh {
					continue
				}
				tr := *ev.Trade
				s.tape = append(s.tape, tr)
				if n := len(s.tape); n > TapeLength {
					s.tape = append(s.tape[:0], s.tape[n-TapeLength:]...)
				}
				s.engine.OnTrade(tr)
				for _, c := range s.charts {
					c.onTrade(tr)
				}
				s.outbox = append(s.outbox, Update{Type: UpdateTrade, Data: tr})
			case stream.KindBar:
				if c := s.charts[tf]; c != nil {
					c.offer(*ev.Bar, prev)
				}
			}
		}
		if fresh {
			s.marketTS = msg.Timestamp
		}
		if msg.Timestamp > s.playhead {
			s.playhead = msg.Timestamp
			s.outbox = append(s.outbox, Update{Type: UpdatePlayhead, Data: s.playhead})
		}
		for ctf, c := range s.charts {
			c.flush(s.playhead)
			if c.takeDirty() {
				s.outbox = append(s.outbox, Update{Type: UpdateCandles, Data: CandleUpdate{Timeframe: ctf, Bars: c.tail(2)}})
			}
		}
	})
	if cancel != nil {
		cancel()
	}
}

// PlaceOrder submits req at the playhead. An empty symbol means the loaded one.
func (s *Session) PlaceOrder(req orderbook.Request) (orderbook.Order, error) {
	var (
		o   orderbook.Order
		err error
	)
	s.locked(func() {
		if !s.loaded {
			err = ErrNotLoaded
			return
		}
		if strings.TrimSpace(req.Symbol) == "" {
			req.Symbol = s.symbol
		}
		o, err = s.engine.PlaceOrder(req, s.playhead)
	})
	return o, err
}

// CancelOrder cancels a working order at the playhead.
func (s *Session) CancelOrder(id string) (orderbook.Order, error) {
	var (
		o   orderbook.Order
		err error
	)
	s.locked(func() {
		o, err = s.engine.Cancel(id, s.playhead)
	})
	return o, err
}

// UpdateSettings changes the risk limits and returns orders it cancelled.
func (s *Session) UpdateSettings(settings account.Settings) ([]orderbook.Order, error) {
	var (
		cancelled []orderbook.Order
		err       error
	)
	s.locked(func() {
		cancelled, err = s.engine.UpdateSettings(settings, s.playhead)
	})
	return cancelled, err
}

func (s *Session) Settings() account.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Settings()
}

func (s *Session) Orders() []orderbook.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Orders()
}

func (s *Session) Order(id string) (orderbook.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Order(id)
}

func (s *Session) Fills() []orderbook.Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Fills()
}

func (s *Session) Positions() []account.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Positions()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Playhead returns the current replay time; ok is false before a load.
func (s *Session) Playhead() (ts int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playhead, s.loaded
}

// Status returns a full snapshot of the session.
func (s *Session) Status() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() *Status {
	st := &Status{
		ID:        s.ID,
		State:     s.state,
		Symbol:    s.symbol,
		Day:       s.day,
		Timeframe: s.tf,
		Speed:     s.speed,
		Tape:      append([]historical.TradePrint(nil), s.tape...),
		Charts:    make(map[string][]historical.Bar, len(s.charts)),
		Settings:  s.engine.Settings(),
		Positions: s.engine.Positions(),
		Orders:    s.engine.Orders(),
		Fills:     s.engine.Fills(),
		Warning:   s.warning,
	}
	if s.loaded {
		p := s.playhead
		st.Playhead = &p
	}
	if s.book != nil {
		b := *s.book
		st.Book = &b
	}
	for tf, c := range s.charts {
		st.Charts[tf.String()] = c.Bars()
	}
	return st
}
