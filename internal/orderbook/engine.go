package orderbook

import (
	"errors"
	"fmt"

	"tapesim/internal/account"
	"tapesim/internal/historical"
)

var (
	ErrValidation    = errors.New("invalid order")
	ErrRiskRejected  = errors.New("order rejected")
	ErrNoMarketPrice = errors.New("no market price available")
	ErrOrderNotFound = errors.New("order not found")
)

const (
	DefaultTakeParticipation    = 0.85
	DefaultPassiveParticipation = 0.40
)

// Config holds the fill model's participation rates.
type Config struct {
	// Share of a displayed level an aggressive order may take.
	TakeParticipation float64 `json:"take_participation" yaml:"take_participation" toml:"take_participation"`
	// Share of post-queue print volume credited to a resting order.
	PassiveParticipation float64 `json:"passive_participation" yaml:"passive_participation" toml:"passive_participation"`
}

func DefaultConfig() Config {
	return Config{
		TakeParticipation:    DefaultTakeParticipation,
		PassiveParticipation: DefaultPassiveParticipation,
	}
}

// Validate requires both rates in (0, 1].
func (c Config) Validate() error {
	if c.TakeParticipation <= 0 || c.TakeParticipation > 1 {
		return fmt.Errorf("take_participation must be in (0, 1]")
	}
	if c.PassiveParticipation <= 0 || c.PassiveParticipation > 1 {
		return fmt.Errorf("passive_participation must be in (0, 1]")
	}
	return nil
}

// Engine simulates executions of synthetic orders against a replayed book
// and tape. It owns the order table, the fill log and the position ledger.
// Engine is not safe for concurrent use; the replay session is its only writer.
type Engine struct {
	cfg      Config
	settings account.Settings
	ledger   *account.Ledger

	orders []*Order // creation order
	byID   map[string]*Order
	fills  []Fill

	book      historical.DepthSnapshot
	hasBook   bool
	lastTrade float64

	orderSeq int
	fillSeq  int

	onOrder []func(Order)
	onFill  []func(Fill)
}

// NewEngine creates an engine with an empty book.
func NewEngine(cfg Config, settings account.Settings) *Engine {
	return &Engine{
		cfg:      cfg,
		settings: settings,
		ledger:   account.NewLedger(),
		byID:     make(map[string]*Order),
	}
}

// OnOrder registers a callback for order state changes.
func (e *Engine) OnOrder(fn func(Order)) {
	e.onOrder = append(e.onOrder, fn)
}

// OnFill registers a callback for new fills.
func (e *Engine) OnFill(fn func(Fill)) {
	e.onFill = append(e.onFill, fn)
}

func (e *Engine) emitOrder(o *Order) {
	for _, fn := range e.onOrder {
		fn(*o)
	}
}

func (e *Engine) emitFill(f Fill) {
	for _, fn := range e.onFill {
		fn(f)
	}
}

// SetMarket replaces the reference book and last trade without matching.
func (e *Engine) SetMarket(book *historical.DepthSnapshot, last *historical.TradePrint) {
	e.hasBook = book != nil
	if book != nil {
		e.book = *book
	} else {
		e.book = historical.DepthSnapshot{}
	}
	e.lastTrade = 0
	if last != nil {
		e.lastTrade = NormalizePrice(last.Price)
	}
}

// Book returns the current reference book.
func (e *Engine) Book() (historical.DepthSnapshot, bool) {
	return e.book, e.hasBook
}

// LastTradePrice returns the most recent print price, or 0.
func (e *Engine) LastTradePrice() float64 {
	return e.lastTrade
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Settings() account.Settings {
	return e.settings
}

// Orders returns copies of every order in creation order.
func (e *Engine) Orders() []Order {
	out := make([]Order, len(e.orders))
	for i, o := range e.orders {
		out[i] = *o
	}
	return out
}

// Order returns a copy of the order with id.
func (e *Engine) Order(id string) (Order, bool) {
	o, ok := e.byID[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Fills returns a copy of the fill log.
func (e *Engine) Fills() []Fill {
	out := make([]Fill, len(e.fills))
	copy(out, e.fills)
	return out
}

// Position returns the current position for symbol.
func (e *Engine) Position(symbol string) account.Position {
	return e.ledger.Position(symbol)
}

// Positions returns every tracked position.
func (e *Engine) Positions() []account.Position {
	return e.ledger.Positions()
}

// PlaceOrder validates, risk-checks and submits an order at ts. Market
// orders sweep immediately; marketable limits sweep, others rest with a
// queue-ahead estimate; stops rest armed. A market order with no reference
// price is kept as REJECTED and ErrNoMarketPrice is returned.
func (e *Engine) PlaceOrder(req Request, ts int64) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}
	req.LimitPrice = NormalizePrice(req.LimitPrice)
	req.StopPrice = NormalizePrice(req.StopPrice)
	if !req.Type.NeedsLimit() {
		req.LimitPrice = 0
	}
	if !req.Type.NeedsStop() {
		req.StopPrice = 0
	}

	if err := e.checkRisk(req.Symbol, req.Side, req.Type, req.Quantity, req.LimitPrice, req.StopPrice, ""); err != nil {
		return Order{}, fmt.Errorf("%w: %w", ErrRiskRejected, err)
	}

	e.orderSeq++
	o := &Order{
		ID:         fmt.Sprintf("O%d", e.orderSeq),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		OrigType:   req.Type,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Status:     StatusOpen,
		CreatedAt:  ts,
	}
	e.orders = append(e.orders, o)
	e.byID[o.ID] = o

	switch o.Type {
	case Market:
		if e.sweep(o, ts) == 0 {
			px := e.bestPrice(o.Side)
			if px <= 0 {
				e.reject(o, ts, ErrNoMarketPrice.Error())
				e.emitOrder(o)
				return *o, ErrNoMarketPrice
			}
			e.recordFill(o, o.Remaining(), px, ts)
		}
	case Limit:
		e.workLimit(o, ts)
	}
	e.emitOrder(o)
	return *o, nil
}

// Cancel cancels a working order at ts. Orders that are not OPEN or
// PARTIAL are returned unchanged.
func (e *Engine) Cancel(id string, ts int64) (Order, error) {
	o, ok := e.byID[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if o.CancelledAt != nil || (o.Status != StatusOpen && o.Status != StatusPartial) {
		return *o, nil
	}
	e.cancel(o, ts)
	return *o, nil
}

func (e *Engine) cancel(o *Order, ts int64) {
	t := ts
	o.CancelledAt = &t
	o.Status = StatusCancelled
	e.emitOrder(o)
}

func (e *Engine) reject(o *Order, ts int64, reason string) {
	t := ts
	o.RejectedAt = &t
	o.RejectReason = reason
	o.Status = StatusRejected
}

// UpdateSettings applies new risk limits at ts. Turning shorting off cancels
// every working SELL whose remaining quantity would take the position short;
// the cancelled orders are returned.
func (e *Engine) UpdateSettings(s account.Settings, ts int64) ([]Order, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	prev := e.settings
	e.settings = s

	var cancelled []Order
	if prev.AllowShorting && !s.AllowShorting {
		for _, o := range e.orders {
			if o.Side != Sell || !o.Working() {
				continue
			}
			pos := e.ledger.Position(o.Symbol)
			if pos.Shares-int64(o.Remaining()) < 0 {
				e.cancel(o, ts)
				cancelled = append(cancelled, *o)
			}
		}
	}
	return cancelled, nil
}

func (e *Engine) recordFill(o *Order, qty uint32, px float64, ts int64) {
	e.fillSeq++
	f := Fill{
		ID:        fmt.Sprintf("F%d", e.fillSeq),
		OrderID:   o.ID,
		Timestamp: ts,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  qty,
		Price:     px,
		OrderType: o.Type,
	}
	if realized, ok := e.ledger.Apply(o.Symbol, int64(qty)*o.Side.Sign(), px); ok {
		f.RealizedPnL = &realized
	}
	o.Filled += qty
	if o.IsFilled() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	e.fills = append(e.fills, f)
	e.emitFill(f)
}

func (e *Engine) checkRisk(symbol string, side Side, typ OrderType, qty uint32, limit, stop float64, excludeID string) error {
	pos := e.ledger.Position(symbol)
	if side == Sell {
		return e.settings.CheckShort(pos.Shares, int64(qty))
	}
	px := e.estimateBuyPrice(typ, limit, stop)
	if px <= 0 && typ == Market {
		// Placement rejects it with ErrNoMarketPrice.
		return nil
	}
	return e.settings.CheckBuyingPower(account.Exposure{
		Shares:          pos.Shares,
		MarkPrice:       e.markPrice(),
		OpenBuyNotional: e.openBuyNotional(symbol, excludeID),
		Quantity:        int64(qty),
		Price:           px,
	})
}

func (e *Engine) markPrice() float64 {
	if ask := e.bestAsk(); ask > 0 {
		return ask
	}
	return e.lastTrade
}

func (e *Engine) estimateBuyPrice(typ OrderType, limit, stop float64) float64 {
	switch typ {
	case Limit, StopLimit:
		return limit
	case Stop:
		if stop > 0 {
			return stop
		}
		return e.bestAsk()
	}
	return e.markPrice()
}

// openBuyNotional sums the working BUY orders on symbol.
func (e *Engine) openBuyNotional(symbol, excludeID string) float64 {
	var total float64
	for _, o := range e.orders {
		if o.Symbol != symbol || o.Side != Buy || o.ID == excludeID || !o.Working() {
			continue
		}
		total += float64(o.Remaining()) * e.estimateBuyPrice(o.Type, o.LimitPrice, o.StopPrice)
	}
	return total
}
