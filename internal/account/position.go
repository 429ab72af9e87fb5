package account

import "sort"

// Position is a signed share count with weighted-average cost.
// AvgCost is nil exactly when Shares is zero.
type Position struct {
	Symbol      string   `json:"symbol"`
	Shares      int64    `json:"shares"`
	AvgCost     *float64 `json:"avg_cost"`
	RealizedPnL float64  `json:"realized_pnl"`
}

// Flat reports whether the position holds no shares.
func (p Position) Flat() bool {
	return p.Shares == 0
}

// Ledger holds positions per symbol. It is not safe for concurrent use;
// the owning session serializes access.
type Ledger struct {
	positions map[string]*Position
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*Position)}
}

// Position returns a copy of the position for symbol, flat if unknown.
func (l *Ledger) Position(symbol string) Position {
	p, ok := l.positions[symbol]
	if !ok {
		return Position{Symbol: symbol}
	}
	out := *p
	if p.AvgCost != nil {
		avg := *p.AvgCost
		out.AvgCost = &avg
	}
	return out
}

// Positions returns copies of every tracked position ordered by symbol.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.positions))
	for sym := range l.positions {
		out = append(out, l.Position(sym))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Reset drops every position.
func (l *Ledger) Reset() {
	l.positions = make(map[string]*Position)
}

// Apply books a signed fill (positive buys, negative sells) and returns the
// realized P&L. ok is false when the fill only opened or added to a position.
func (l *Ledger) Apply(symbol string, qty int64, price float64) (realized float64, ok bool) {
	if qty == 0 {
		return 0, false
	}
	p, found := l.positions[symbol]
	if !found {
		p = &Position{Symbol: symbol}
		l.positions[symbol] = p
	}

	prev := p.Shares
	next := prev + qty

	switch {
	case prev == 0:
		p.Shares = next
		p.AvgCost = floatPtr(price)
		return 0, false

	case sign(prev) == sign(qty):
		avg := (float64(abs(prev))*deref(p.AvgCost) + float64(abs(qty))*price) / float64(abs(next))
		p.Shares = next
		p.AvgCost = floatPtr(avg)
		return 0, false
	}

	closed := min(abs(qty), abs(prev))
	realized = float64(closed) * (price - deref(p.AvgCost)) * float64(sign(prev))
	p.RealizedPnL += realized
	p.Shares = next
	switch {
	case next == 0:
		p.AvgCost = nil
	case sign(next) != sign(prev):
		p.AvgCost = floatPtr(price)
	}
	return realized, true
}

func floatPtr(f float64) *float64 {
	return &f
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func sign(n int64) int64 {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
