package historical

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrMissingDataset   = errors.New("missing dataset")
	ErrNoRows           = errors.New("no usable rows")
	ErrEmptyDataset     = fmt.Errorf("%w: empty dataset", ErrNoRows)
	ErrSymbolNotFound   = fmt.Errorf("%w: symbol not found", ErrNoRows)
	ErrOutOfRange       = errors.New("selected time does not exist in data range")
	ErrInvalidTimeframe = errors.New("invalid timeframe")
	ErrInvalidDay       = errors.New("invalid day")
)

// DepthPath returns the depth file for day.
func DepthPath(dir, day string) string {
	return filepath.Join(dir, fmt.Sprintf("XNAS.ITCH.%s.mbp-10.parquet", day))
}

// TradesPath returns the trade print file for day.
func TradesPath(dir, day string) string {
	return filepath.Join(dir, fmt.Sprintf("EQUS.MINI.%s.trades.parquet", day))
}

// BarsPath returns the bar file for day at tf.
func BarsPath(dir, day string, tf Timeframe) string {
	return filepath.Join(dir, fmt.Sprintf("EQUS.MINI.%s.ohlcv-%s.parquet", day, tf))
}

// Key identifies one loaded day.
type Key struct {
	Symbol    string
	Day       string
	Dir       string
	Timeframe Timeframe
}

func (k Key) String() string {
	return k.Symbol + "|" + k.Day + "|" + k.Dir + "|" + k.Timeframe.String()
}

// Store loads days from parquet files and memoizes them by Key.
// Loaded days are shared and must not be mutated.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	days  map[Key]*Day
	group singleflight.Group
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "daystore"),
		days:   make(map[Key]*Day),
	}
}

// Dir returns the default data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Load returns the day for symbol at tf from the default directory.
func (s *Store) Load(ctx context.Context, symbol, day string, tf Timeframe) (*Day, error) {
	return s.LoadKey(ctx, Key{Symbol: symbol, Day: day, Dir: s.dir, Timeframe: tf})
}

// LoadKey returns the memoized day for key, reading it on first use.
func (s *Store) LoadKey(ctx context.Context, key Key) (*Day, error) {
	if key.Dir == "" {
		key.Dir = s.dir
	}
	if key.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidDay)
	}
	if _, err := time.Parse("2006-01-02", key.Day); err != nil {
		return nil, fmt.Errorf("%w: %q (expected YYYY-MM-DD)", ErrInvalidDay, key.Day)
	}

	s.mu.RLock()
	d, ok := s.days[key]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}

	v, err, _ := s.group.Do(key.String(), func() (any, error) {
		s.mu.RLock()
		d, ok := s.days[key]
		s.mu.RUnlock()
		if ok {
			return d, nil
		}
		d, err := s.read(ctx, key)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.days[key] = d
		s.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Day), nil
}

// Cached returns the number of memoized days.
func (s *Store) Cached() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.days)
}

func (s *Store) read(ctx context.Context, key Key) (*Day, error) {
	depthPath := DepthPath(key.Dir, key.Day)
	tradesPath := TradesPath(key.Dir, key.Day)
	barsPath := BarsPath(key.Dir, key.Day, key.Timeframe)
	for _, p := range []string{depthPath, tradesPath, barsPath} {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrMissingDataset, p)
			}
			return nil, err
		}
	}

	start := time.Now()
	day := &Day{Symbol: key.Symbol, Date: key.Day, Dir: key.Dir, Timeframe: key.Timeframe}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bars, err := readBars(gctx, barsPath, key.Symbol)
		day.Bars = bars
		return err
	})
	g.Go(func() error {
		depth, err := readDepth(gctx, depthPath, key.Symbol)
		day.Depth = depth
		return err
	})
	g.Go(func() error {
		trades, err := readTrades(gctx, tradesPath, key.Symbol)
		day.Trades = trades
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("day loaded",
		"symbol", key.Symbol,
		"day", key.Day,
		"tf", key.Timeframe.String(),
		"depth", len(day.Depth),
		"trades", len(day.Trades),
		"bars", len(day.Bars),
		"elapsed", time.Since(start),
	)
	return day, nil
}
