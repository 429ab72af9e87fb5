package orderbook

import (
	"math"
	"sort"

	"tapesim/internal/historical"
)

func (e *Engine) bestBid() float64 {
	if !e.hasBook {
		return 0
	}
	return NormalizePrice(e.book.BestBid())
}

func (e *Engine) bestAsk() float64 {
	if !e.hasBook {
		return 0
	}
	return NormalizePrice(e.book.BestAsk())
}

// bestPrice is the fallback execution price for a market order that found
// no displayed liquidity: the near touch, then the last print, then the far
// touch.
func (e *Engine) bestPrice(side Side) float64 {
	bid, ask := e.bestBid(), e.bestAsk()
	near, far := ask, bid
	if side == Sell {
		near, far = bid, ask
	}
	for _, px := range []float64{near, e.lastTrade, far} {
		if px > 0 {
			return px
		}
	}
	return 0
}

// marketable reports whether a limit order crosses the opposite touch.
func (e *Engine) marketable(o *Order) bool {
	if o.Side == Buy {
		ask := e.bestAsk()
		return ask > 0 && ask <= o.LimitPrice
	}
	bid := e.bestBid()
	return bid > 0 && bid >= o.LimitPrice
}

// sizeAt returns the displayed size at exactly price on the order's own side.
func (e *Engine) sizeAt(side Side, price float64) uint32 {
	if !e.hasBook {
		return 0
	}
	levels := e.book.Bids
	if side == Sell {
		levels = e.book.Asks
	}
	for _, l := range levels {
		if !l.Empty() && NormalizePrice(l.Price) == price {
			return l.Size
		}
	}
	return 0
}

// sweep walks the opposite side from the touch, taking a participation
// share of each level until the order is done or a limit stops it.
func (e *Engine) sweep(o *Order, ts int64) uint32 {
	if !e.hasBook {
		return 0
	}
	levels := e.book.Asks
	if o.Side == Sell {
		levels = e.book.Bids
	}

	var filled uint32
	for _, l := range levels {
		rem := o.Remaining()
		if rem == 0 {
			break
		}
		if l.Empty() {
			continue
		}
		px := NormalizePrice(l.Price)
		if o.Type == Limit {
			if o.Side == Buy && px > o.LimitPrice {
				break
			}
			if o.Side == Sell && px < o.LimitPrice {
				break
			}
		}
		avail := uint32(math.Floor(float64(l.Size) * e.cfg.TakeParticipation))
		if avail == 0 {
			continue
		}
		q := min(rem, avail)
		e.recordFill(o, q, px, ts)
		filled += q
	}
	return filled
}

// workLimit sweeps a marketable limit and queues whatever remains.
func (e *Engine) workLimit(o *Order, ts int64) {
	if e.marketable(o) {
		e.sweep(o, ts)
	}
	if o.Remaining() > 0 {
		o.QueueAhead = e.sizeAt(o.Side, o.LimitPrice)
	}
}

// OnBook installs a new reference book and re-works resting market orders
// and limits that became marketable.
func (e *Engine) OnBook(book historical.DepthSnapshot) {
	e.book = book
	e.hasBook = true
	ts := book.Timestamp

	for _, o := range e.orders {
		if !o.Working() || o.Armed() {
			continue
		}
		switch o.Type {
		case Market:
			if e.sweep(o, ts) > 0 {
				e.emitOrder(o)
			}
		case Limit:
			if e.marketable(o) && e.sweep(o, ts) > 0 {
				e.emitOrder(o)
			}
		}
	}
}

// OnTrade processes a print: stops trigger first, then resting limits at
// the print price may fill passively.
func (e *Engine) OnTrade(tr historical.TradePrint) {
	px := NormalizePrice(tr.Price)
	if px > 0 {
		e.lastTrade = px
	}
	e.triggerStops(tr.Timestamp, px)
	e.fillFromTrade(tr.Timestamp, px, tr.Size)
}

func (e *Engine) triggerStops(ts int64, px float64) {
	if px <= 0 {
		return
	}
	for _, o := range e.orders {
		if !o.Working() || !o.Armed() {
			continue
		}
		hit := (o.Side == Buy && px >= o.StopPrice) || (o.Side == Sell && px <= o.StopPrice)
		if !hit {
			continue
		}

		if err := e.checkRisk(o.Symbol, o.Side, o.Type, o.Remaining(), o.LimitPrice, o.StopPrice, o.ID); err != nil {
			e.reject(o, ts, err.Error())
			e.emitOrder(o)
			continue
		}

		promoted, _ := o.Type.Promoted()
		o.Type = promoted
		t := ts
		o.TriggeredAt = &t

		switch o.Type {
		case Market:
			if e.sweep(o, ts) == 0 {
				if best := e.bestPrice(o.Side); best > 0 {
					e.recordFill(o, o.Remaining(), best, ts)
				}
			}
		case Limit:
			e.workLimit(o, ts)
		}
		e.emitOrder(o)
	}
}

// fillFromTrade credits resting limits at exactly the print price. A print
// at or through the ask fills sells; at or through the bid fills buys.
// Volume first burns the queue ahead of each order.
func (e *Engine) fillFromTrade(ts int64, px float64, size uint32) {
	if px <= 0 || size == 0 {
		return
	}
	bid, ask := e.bestBid(), e.bestAsk()
	var side Side
	switch {
	case ask > 0 && px >= ask:
		side = Sell
	case bid > 0 && px <= bid:
		side = Buy
	default:
		return
	}

	var candidates []*Order
	for _, o := range e.orders {
		if !o.Working() || o.Armed() || o.Type != Limit || o.Side != side {
			continue
		}
		if o.LimitPrice != px || e.marketable(o) {
			continue
		}
		candidates = append(candidates, o)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt < candidates[j].CreatedAt
	})

	vol := size
	for _, o := range candidates {
		if vol == 0 {
			break
		}
		if o.QueueAhead > 0 {
			used := min(o.QueueAhead, vol)
			o.QueueAhead -= used
			vol -= used
			if vol == 0 {
				break
			}
		}
		q := min(o.Remaining(), uint32(math.Floor(float64(vol)*e.cfg.PassiveParticipation)))
		if q == 0 {
			continue
		}
		e.recordFill(o, q, px, ts)
		vol -= q
		e.emitOrder(o)
	}
}
