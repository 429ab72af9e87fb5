package historical

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/parquet-go/parquet-go"
)

// fixedPriceScale converts legacy integer fixed-point prices to floats.
const fixedPriceScale = 1e9

const readBatch = 1024

// table is an open parquet file with its leaf columns indexed by name.
type table struct {
	path string
	f    *os.File
	file *parquet.File
	cols map[string]int
}

func openTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingDataset, path)
		}
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet %s: %w", path, err)
	}

	cols := make(map[string]int)
	for _, p := range pf.Schema().Columns() {
		if len(p) != 1 {
			continue
		}
		if leaf, ok := pf.Schema().Lookup(p...); ok {
			cols[p[0]] = leaf.ColumnIndex
		}
	}
	return &table{path: path, f: f, file: pf, cols: cols}, nil
}

func (t *table) Close() error {
	return t.f.Close()
}

func (t *table) numRows() int64 {
	return t.file.NumRows()
}

// column returns the index of the first present name.
func (t *table) column(names ...string) (int, error) {
	for _, n := range names {
		if idx, ok := t.cols[n]; ok {
			return idx, nil
		}
	}
	return 0, fmt.Errorf("%s: missing column %q", t.path, names[0])
}

// each calls fn for every row with values indexed by column.
func (t *table) each(ctx context.Context, fn func(values []parquet.Value)) error {
	width := len(t.file.Schema().Columns())
	byCol := make([]parquet.Value, width)
	buf := make([]parquet.Row, readBatch)

	for _, rg := range t.file.RowGroups() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for i := 0; i < n; i++ {
				for j := range byCol {
					byCol[j] = parquet.Value{}
				}
				for _, v := range buf[i] {
					if c := v.Column(); c >= 0 && c < width {
						byCol[c] = v
					}
				}
				fn(byCol)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				rows.Close()
				return fmt.Errorf("read %s: %w", t.path, err)
			}
			if n == 0 {
				break
			}
		}
		rows.Close()
	}
	return nil
}

func valueInt(v parquet.Value) int64 {
	switch v.Kind() {
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return int64(v.Float())
	case parquet.Double:
		return int64(v.Double())
	}
	return 0
}

func valuePrice(v parquet.Value) float64 {
	if v.IsNull() {
		return 0
	}
	var px float64
	switch v.Kind() {
	case parquet.Double:
		px = v.Double()
	case parquet.Float:
		px = float64(v.Float())
	case parquet.Int32, parquet.Int64:
		px = float64(valueInt(v)) / fixedPriceScale
	default:
		return 0
	}
	if math.IsNaN(px) || math.IsInf(px, 0) || px <= 0 {
		return 0
	}
	return px
}

func valueSize(v parquet.Value) uint32 {
	if v.IsNull() {
		return 0
	}
	n := valueInt(v)
	if n <= 0 {
		return 0
	}
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func valueString(v parquet.Value) string {
	if v.IsNull() {
		return ""
	}
	switch v.Kind() {
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	}
	return v.String()
}

// symbolSamples collects distinct symbols for error messages.
type symbolSamples struct {
	seen map[string]struct{}
	max  int
}

func (s *symbolSamples) add(sym string) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if len(s.seen) < s.max {
		s.seen[sym] = struct{}{}
	}
}

func (s *symbolSamples) list() []string {
	out := make([]string, 0, len(s.seen))
	for sym := range s.seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func readDepth(ctx context.Context, path, symbol string) ([]DepthSnapshot, error) {
	t, err := openTable(path)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	tsCol, err := t.column("ts_event", "ts")
	if err != nil {
		return nil, err
	}
	symCol, err := t.column("symbol")
	if err != nil {
		return nil, err
	}
	var bidPx, bidSz, askPx, askSz [DepthLevels]int
	for j := 0; j < DepthLevels; j++ {
		for _, c := range []struct {
			dst  *int
			name string
		}{
			{&bidPx[j], fmt.Sprintf("bid_px_%02d", j)},
			{&bidSz[j], fmt.Sprintf("bid_sz_%02d", j)},
			{&askPx[j], fmt.Sprintf("ask_px_%02d", j)},
			{&askSz[j], fmt.Sprintf("ask_sz_%02d", j)},
		} {
			if *c.dst, err = t.column(c.name); err != nil {
				return nil, err
			}
		}
	}

	var out []DepthSnapshot
	err = t.each(ctx, func(row []parquet.Value) {
		if valueString(row[symCol]) != symbol {
			return
		}
		snap := DepthSnapshot{Timestamp: valueInt(row[tsCol])}
		for j := 0; j < DepthLevels; j++ {
			snap.Bids[j] = Level{Price: valuePrice(row[bidPx[j]]), Size: valueSize(row[bidSz[j]])}
			snap.Asks[j] = Level{Price: valuePrice(row[askPx[j]]), Size: valueSize(row[askSz[j]])}
		}
		out = append(out, snap)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func readTrades(ctx context.Context, path, symbol string) ([]TradePrint, error) {
	t, err := openTable(path)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	tsCol, err := t.column("ts_event", "ts")
	if err != nil {
		return nil, err
	}
	symCol, err := t.column("symbol")
	if err != nil {
		return nil, err
	}
	pxCol, err := t.column("price")
	if err != nil {
		return nil, err
	}
	szCol, err := t.column("size")
	if err != nil {
		return nil, err
	}

	var out []TradePrint
	err = t.each(ctx, func(row []parquet.Value) {
		if valueString(row[symCol]) != symbol {
			return
		}
		px := valuePrice(row[pxCol])
		if px <= 0 {
			return
		}
		out = append(out, TradePrint{
			Timestamp: valueInt(row[tsCol]),
			Price:     px,
			Size:      valueSize(row[szCol]),
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func readBars(ctx context.Context, path, symbol string) ([]Bar, error) {
	t, err := openTable(path)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	total := t.numRows()
	if total == 0 {
		return nil, fmt.Errorf("%w: %s is empty (0 rows); higher-timeframe bars may have been built from sparse 1s input",
			ErrEmptyDataset, path)
	}

	tsCol, err := t.column("ts_event", "ts")
	if err != nil {
		return nil, err
	}
	symCol, err := t.column("symbol")
	if err != nil {
		return nil, err
	}
	var oCol, hCol, lCol, cCol, vCol int
	for _, c := range []struct {
		dst  *int
		name string
	}{{&oCol, "open"}, {&hCol, "high"}, {&lCol, "low"}, {&cCol, "close"}, {&vCol, "volume"}} {
		if *c.dst, err = t.column(c.name); err != nil {
			return nil, err
		}
	}

	samples := symbolSamples{max: 10}
	var out []Bar
	err = t.each(ctx, func(row []parquet.Value) {
		sym := valueString(row[symCol])
		if sym != symbol {
			samples.add(sym)
			return
		}
		out = append(out, Bar{
			Timestamp: valueInt(row[tsCol]),
			Open:      valuePrice(row[oCol]),
			High:      valuePrice(row[hCol]),
			Low:       valuePrice(row[lCol]),
			Close:     valuePrice(row[cCol]),
			Volume:    uint64(max(valueInt(row[vCol]), 0)),
		})
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s has %d rows but 0 rows matched symbol=%s (sample symbols: %v)",
			ErrSymbolNotFound, path, total, symbol, samples.list())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// earliestBySymbol returns the first bar timestamp per symbol in a bar file.
func earliestBySymbol(ctx context.Context, path string) (map[string]int64, error) {
	t, err := openTable(path)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	tsCol, err := t.column("ts_event", "ts")
	if err != nil {
		return nil, err
	}
	symCol, err := t.column("symbol")
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	err = t.each(ctx, func(row []parquet.Value) {
		sym := valueString(row[symCol])
		if sym == "" {
			return
		}
		ts := valueInt(row[tsCol])
		if prev, ok := out[sym]; !ok || ts < prev {
			out[sym] = ts
		}
	})
	return out, err
}
