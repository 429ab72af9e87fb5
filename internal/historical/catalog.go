package historical

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// CatalogItem is one loadable symbol/day with its first bar time.
type CatalogItem struct {
	Symbol    string `json:"symbol"`
	Day       string `json:"day"`
	StartTS   int64  `json:"start_ts_ns"`
	StartET   string `json:"start_et"`
	Label     string `json:"label"`
	Timeframe string `json:"tf"`
}

// ScanCatalog lists every symbol/day in dir with depth, trades and at least
// one bar file. Items are ordered newest day first, then by symbol descending.
func ScanCatalog(ctx context.Context, dir, tz string) ([]CatalogItem, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return []CatalogItem{}, nil
		}
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(dir, "EQUS.MINI.*.ohlcv-*.parquet"))
	if err != nil {
		return nil, err
	}
	daySet := make(map[string]struct{})
	for _, m := range matches {
		parts := strings.Split(filepath.Base(m), ".")
		if len(parts) < 4 {
			continue
		}
		if _, err := time.Parse("2006-01-02", parts[2]); err == nil {
			daySet[parts[2]] = struct{}{}
		}
	}

	items := []CatalogItem{}
	for day := range daySet {
		if !exists(DepthPath(dir, day)) || !exists(TradesPath(dir, day)) {
			continue
		}
		path, tf, ok := pickBarFile(dir, day)
		if !ok {
			continue
		}
		firsts, err := earliestBySymbol(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		for sym, ts := range firsts {
			local := time.Unix(0, ts).In(loc)
			items = append(items, CatalogItem{
				Symbol:    sym,
				Day:       day,
				StartTS:   ts,
				StartET:   FormatLocal(ts, loc),
				Label:     fmt.Sprintf("%s %s %d:%02d", sym, day, local.Hour(), local.Minute()),
				Timeframe: tf.String(),
			})
		}
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Day != b.Day {
			return a.Day > b.Day
		}
		if a.Symbol != b.Symbol {
			return a.Symbol > b.Symbol
		}
		return a.StartTS > b.StartTS
	})
	return items, nil
}

func pickBarFile(dir, day string) (string, Timeframe, bool) {
	for _, tf := range Timeframes() {
		p := BarsPath(dir, day, tf)
		if exists(p) {
			return p, tf, true
		}
	}
	return "", TF1s, false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CatalogCache memoizes catalog scans for a short TTL.
type CatalogCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]catalogEntry
}

type catalogEntry struct {
	at    time.Time
	items []CatalogItem
}

// NewCatalogCache creates a cache whose entries live for ttl.
func NewCatalogCache(ttl time.Duration) *CatalogCache {
	return &CatalogCache{ttl: ttl, now: time.Now, entries: make(map[string]catalogEntry)}
}

// Scan returns at most limit items for dir/tz, reusing a fresh cached scan.
func (c *CatalogCache) Scan(ctx context.Context, dir, tz string, limit int) ([]CatalogItem, error) {
	key := fmt.Sprintf("%s|%s|%d", dir, tz, limit)
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Sub(e.at) < c.ttl {
		return e.items, nil
	}

	items, err := ScanCatalog(ctx, dir, tz)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	c.mu.Lock()
	c.entries[key] = catalogEntry{at: c.now(), items: items}
	c.mu.Unlock()
	return items, nil
}
