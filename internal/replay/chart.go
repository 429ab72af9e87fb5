package replay

import (
	"container/heap"
	"math"
	"sort"

	"tapesim/internal/historical"
)

// barHeap orders pending bars by bucket end.
type barHeap struct {
	tf   historical.Timeframe
	bars []historical.Bar
}

func (h *barHeap) Len() int           { return len(h.bars) }
func (h *barHeap) Less(i, j int) bool { return h.bars[i].End(h.tf) < h.bars[j].End(h.tf) }
func (h *barHeap) Swap(i, j int)      { h.bars[i], h.bars[j] = h.bars[j], h.bars[i] }
func (h *barHeap) Push(x any)         { h.bars = append(h.bars, x.(historical.Bar)) }
func (h *barHeap) Pop() any {
	n := len(h.bars)
	b := h.bars[n-1]
	h.bars = h.bars[:n-1]
	return b
}

func (h *barHeap) peekEnd() (int64, bool) {
	if len(h.bars) == 0 {
		return 0, false
	}
	return h.bars[0].End(h.tf), true
}

// Chart is one timeframe's candle series as the client would see it.
// Historical bars are held back until their bucket has fully elapsed; the
// bucket containing the playhead is a live bar built from replayed prints.
type Chart struct {
	tf      historical.Timeframe
	bars    []historical.Bar // completed, ascending
	live    *historical.Bar
	pending barHeap
	dirty   bool
}

func newChart(tf historical.Timeframe) *Chart {
	return &Chart{tf: tf, pending: barHeap{tf: tf}}
}

func (c *Chart) Timeframe() historical.Timeframe {
	return c.tf
}

// seed resets the chart to what was visible at playhead. bars must be
// ascending; any bar whose bucket has not ended is held back and the live
// bar is rebuilt from trades inside the current bucket.
func (c *Chart) seed(bars []historical.Bar, trades []historical.TradePrint, last float64, playhead int64) {
	c.bars = c.bars[:0]
	c.live = nil
	c.pending = barHeap{tf: c.tf}
	c.dirty = true

	if c.tf == historical.TF1s {
		for _, b := range bars {
			if b.Timestamp <= playhead {
				c.bars = append(c.bars, b)
			}
		}
		return
	}

	bucket := c.tf.Bucket(playhead)
	var held *historical.Bar
	for i := range bars {
		b := bars[i]
		if b.End(c.tf) <= playhead {
			c.bars = append(c.bars, b)
			continue
		}
		if b.Timestamp == bucket {
			held = &bars[i]
		}
		heap.Push(&c.pending, b)
	}

	for _, tr := range trades {
		if tr.Timestamp >= bucket && tr.Timestamp <= playhead {
			c.onTrade(tr)
		}
	}
	if c.live == nil {
		open := last
		if held != nil {
			open = held.Open
		}
		if open > 0 {
			c.live = &historical.Bar{Timestamp: bucket, Open: open, High: open, Low: open, Close: open}
		}
	}
}

// offer receives a historical bar from the bar stream. playhead is the
// position before the carrying message was applied.
func (c *Chart) offer(b historical.Bar, playhead int64) {
	if c.tf == historical.TF1s || b.End(c.tf) <= playhead {
		c.complete(b)
		return
	}
	heap.Push(&c.pending, b)
}

// flush completes every pending bar whose bucket ended by playhead.
func (c *Chart) flush(playhead int64) {
	for {
		end, ok := c.pending.peekEnd()
		if !ok || end > playhead {
			return
		}
		c.complete(heap.Pop(&c.pending).(historical.Bar))
	}
}

// complete stores a finished historical bar. It replaces the live bar for
// the same bucket.
func (c *Chart) complete(b historical.Bar) {
	if c.live != nil && c.live.Timestamp == b.Timestamp {
		c.live = nil
	}
	c.upsert(b)
}

func (c *Chart) upsert(b historical.Bar) {
	c.dirty = true
	n := len(c.bars)
	if n == 0 || c.bars[n-1].Timestamp < b.Timestamp {
		c.bars = append(c.bars, b)
		return
	}
	i := sort.Search(n, func(i int) bool { return c.bars[i].Timestamp >= b.Timestamp })
	if i < n && c.bars[i].Timestamp == b.Timestamp {
		c.bars[i] = b
		return
	}
	c.bars = append(c.bars, historical.Bar{})
	copy(c.bars[i+1:], c.bars[i:])
	c.bars[i] = b
}

// onTrade folds a replayed print into the live bar. A print in a later
// bucket retires the current live bar as provisional history.
func (c *Chart) onTrade(tr historical.TradePrint) {
	if c.tf == historical.TF1s || tr.Price <= 0 {
		return
	}
	bucket := c.tf.Bucket(tr.Timestamp)
	if n := len(c.bars); n > 0 && c.bars[n-1].Timestamp >= bucket {
		// The bucket already has a final bar.
		return
	}
	if c.live != nil {
		switch {
		case bucket == c.live.Timestamp:
			c.live.High = math.Max(c.live.High, tr.Price)
			c.live.Low = math.Min(c.live.Low, tr.Price)
			c.live.Close = tr.Price
			c.live.Volume += uint64(tr.Size)
			c.dirty = true
			return
		case bucket < c.live.Timestamp:
			return
		}
		c.upsert(*c.live)
	}
	c.live = &historical.Bar{
		Timestamp: bucket,
		Open:      tr.Price,
		High:      tr.Price,
		Low:       tr.Price,
		Close:     tr.Price,
		Volume:    uint64(tr.Size),
	}
	c.dirty = true
}

// Bars returns completed bars followed by the live bar, if any.
func (c *Chart) Bars() []historical.Bar {
	out := make([]historical.Bar, 0, len(c.bars)+1)
	out = append(out, c.bars...)
	if c.live != nil {
		if n := len(out); n == 0 || out[n-1].Timestamp < c.live.Timestamp {
			out = append(out, *c.live)
		}
	}
	return out
}

// Live returns the in-progress bar.
func (c *Chart) Live() (historical.Bar, bool) {
	if c.live == nil {
		return historical.Bar{}, false
	}
	return *c.live, true
}

// Pending returns how many historical bars are being held back.
func (c *Chart) Pending() int {
	return c.pending.Len()
}

// tail returns the last n bars including the live one.
func (c *Chart) tail(n int) []historical.Bar {
	all := c.Bars()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func (c *Chart) takeDirty() bool {
	d := c.dirty
	c.dirty = false
	return d
}
