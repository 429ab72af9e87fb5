package stream

import (
	"context"
	"log/slog"
	"time"

	"tapesim/internal/historical"
)

// Channel selects which series a stream carries.
type Channel int

const (
	ChannelAll Channel = iota
	ChannelBookAndTrades
	ChannelBars
)

func (c Channel) String() string {
	switch c {
	case ChannelBookAndTrades:
		return "booktrades"
	case ChannelBars:
		return "candles"
	default:
		return "all"
	}
}

// ParseChannel maps a query value to a Channel; unknown values mean ChannelAll.
func ParseChannel(s string) Channel {
	switch s {
	case "booktrades":
		return ChannelBookAndTrades
	case "candles":
		return ChannelBars
	default:
		return ChannelAll
	}
}

// Kind identifies the payload of an Event.
type Kind int

const (
	KindBook Kind = iota
	KindTrade
	KindBar
)

func (k Kind) String() string {
	switch k {
	case KindBook:
		return "book"
	case KindTrade:
		return "trade"
	default:
		return "candle"
	}
}

// Event is one market update. Exactly one of Book, Trade and Bar is set.
type Event struct {
	Kind      Kind
	Timestamp int64
	Book      *historical.DepthSnapshot
	Trade     *historical.TradePrint
	Bar       *historical.Bar
}

// Message is every event sharing one timestamp, or the end-of-stream marker.
type Message struct {
	Timestamp int64
	Events    []Event
	End       bool
}

// Options configures one stream.
type Options struct {
	Start   int64
	Speed   float64
	Channel Channel
}

// Scheduler replays a Day in timestamp order at a scaled wall-clock rate.
type Scheduler struct {
	Slice  time.Duration
	Sleep  SleepFunc
	logger *slog.Logger
}

// NewScheduler returns a real-time scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Slice: DefaultSlice, Sleep: sleepCtx, logger: logger.With("component", "stream")}
}

// Stream runs the replay in a goroutine. The channel is closed after the
// end-of-stream message or when ctx is cancelled.
func (s *Scheduler) Stream(ctx context.Context, day *historical.Day, opts Options) <-chan Message {
	out := make(chan Message, 16)
	go func() {
		defer close(out)
		err := s.Run(ctx, day, opts, func(m Message) error {
			select {
			case out <- m:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			s.logger.Debug("stream stopped", "symbol", day.Symbol, "channel", opts.Channel.String(), "err", err)
		}
	}()
	return out
}

// Run emits messages synchronously until the data is exhausted, ctx is
// cancelled or emit fails. Same-timestamp events are batched, ordered book
// updates first, then trades, then bars.
func (s *Scheduler) Run(ctx context.Context, day *historical.Day, opts Options, emit func(Message) error) error {
	pacer := NewPacer(opts.Speed)
	sleep := s.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	slice := s.Slice
	if slice <= 0 {
		slice = DefaultSlice
	}

	di, ti, bi := day.StartIndexes(opts.Start)
	switch opts.Channel {
	case ChannelBookAndTrades:
		bi = len(day.Bars)
	case ChannelBars:
		di, ti = len(day.Depth), len(day.Trades)
	}

	s.logger.Debug("stream start",
		"symbol", day.Symbol,
		"tf", day.Timeframe.String(),
		"start", opts.Start,
		"speed", pacer.Speed(),
		"channel", opts.Channel.String(),
	)

	prev := opts.Start
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ts, ok := int64(0), false
		if di < len(day.Depth) {
			ts, ok = day.Depth[di].Timestamp, true
		}
		if ti < len(day.Trades) && (!ok || day.Trades[ti].Timestamp < ts) {
			ts, ok = day.Trades[ti].Timestamp, true
		}
		if bi < len(day.Bars) && (!ok || day.Bars[bi].Timestamp < ts) {
			ts, ok = day.Bars[bi].Timestamp, true
		}
		if !ok {
			s.logger.Debug("stream end", "symbol", day.Symbol, "channel", opts.Channel.String())
			return emit(Message{Timestamp: prev, End: true})
		}

		if ts > prev {
			if err := sleepChunked(ctx, sleep, pacer.WallDuration(ts-prev), slice); err != nil {
				return err
			}
			prev = ts
		}

		var events []Event
		for ; di < len(day.Depth) && day.Depth[di].Timestamp == ts; di++ {
			events = append(events, Event{Kind: KindBook, Timestamp: ts, Book: &day.Depth[di]})
		}
		for ; ti < len(day.Trades) && day.Trades[ti].Timestamp == ts; ti++ {
			events = append(events, Event{Kind: KindTrade, Timestamp: ts, Trade: &day.Trades[ti]})
		}
		for ; bi < len(day.Bars) && day.Bars[bi].Timestamp == ts; bi++ {
			events = append(events, Event{Kind: KindBar, Timestamp: ts, Bar: &day.Bars[bi]})
		}
		if err := emit(Message{Timestamp: ts, Events: events}); err != nil {
			return err
		}
	}
}
