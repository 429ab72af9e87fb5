package orderbook

import (
	"fmt"
	"strings"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == Buy {
		return 1
	}
	return -1
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "BUY", "B":
		*s = Buy
	case "SELL", "S":
		*s = Sell
	default:
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", ErrValidation, b)
	}
	return nil
}

type OrderType int

const (
	Market OrderType = iota
	Limit
	Stop
	StopLimit
)

var orderTypeNames = [...]string{"MARKET", "LIMIT", "STOP", "STOP_LIMIT"}

func (t OrderType) String() string {
	if t < 0 || int(t) >= len(orderTypeNames) {
		return "UNKNOWN"
	}
	return orderTypeNames[t]
}

// Promoted returns the type a stop order becomes once triggered.
func (t OrderType) Promoted() (OrderType, bool) {
	switch t {
	case Stop:
		return Market, true
	case StopLimit:
		return Limit, true
	}
	return t, false
}

// NeedsLimit reports whether the type requires a limit price.
func (t OrderType) NeedsLimit() bool {
	return t == Limit || t == StopLimit
}

// NeedsStop reports whether the type requires a stop price.
func (t OrderType) NeedsStop() bool {
	return t == Stop || t == StopLimit
}

func (t OrderType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *OrderType) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "MARKET", "MKT":
		*t = Market
	case "LIMIT", "LMT":
		*t = Limit
	case "STOP", "STP":
		*t = Stop
	case "STOP_LIMIT", "STOPLMT", "STOP-LIMIT":
		*t = StopLimit
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrValidation, b)
	}
	return nil
}

type Status int

const (
	StatusOpen Status = iota
	StatusPartial
	StatusFilled
	StatusCancelled
	StatusRejected
)

var statusNames = [...]string{"OPEN", "PARTIAL", "FILLED", "CANCELLED", "REJECTED"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// Terminal reports whether no further fills can happen.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if strings.EqualFold(name, string(b)) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Order is a synthetic order. Type changes at most once, when a stop
// triggers; OrigType keeps what was placed.
type Order struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Type         OrderType `json:"type"`
	OrigType     OrderType `json:"orig_type"`
	Quantity     uint32    `json:"qty"`
	LimitPrice   float64   `json:"limit_px,omitempty"`
	StopPrice    float64   `json:"stop_px,omitempty"`
	Filled       uint32    `json:"filled_qty"`
	QueueAhead   uint32    `json:"queue_ahead"`
	Status       Status    `json:"status"`
	CreatedAt    int64     `json:"created_at"`
	CancelledAt  *int64    `json:"cancelled_at"`
	TriggeredAt  *int64    `json:"triggered_at"`
	RejectedAt   *int64    `json:"rejected_at,omitempty"`
	RejectReason string    `json:"reject_reason,omitempty"`
}

func (o *Order) Remaining() uint32 {
	if o.Filled >= o.Quantity {
		return 0
	}
	return o.Quantity - o.Filled
}

func (o *Order) IsFilled() bool {
	return o.Filled >= o.Quantity
}

// Working reports whether the order can still receive fills.
func (o *Order) Working() bool {
	return o.CancelledAt == nil && !o.Status.Terminal() && o.Remaining() > 0
}

// Armed reports whether the order is an untriggered stop.
func (o *Order) Armed() bool {
	return o.Type.NeedsStop() && o.TriggeredAt == nil
}

// Fill is an immutable execution record.
type Fill struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Timestamp   int64     `json:"ts"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    uint32    `json:"qty"`
	Price       float64   `json:"price"`
	OrderType   OrderType `json:"order_type"`
	RealizedPnL *float64  `json:"realized_pnl"`
}

// Request carries the parameters of a new order.
type Request struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	Quantity   uint32    `json:"qty"`
	LimitPrice float64   `json:"limit_px,omitempty"`
	StopPrice  float64   `json:"stop_px,omitempty"`
}

// Validate checks required fields per order type.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrValidation)
	}
	if r.Type < Market || r.Type > StopLimit {
		return fmt.Errorf("%w: unknown order type", ErrValidation)
	}
	if r.Quantity == 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if r.Type.NeedsLimit() && !(r.LimitPrice > 0) {
		return fmt.Errorf("%w: limit price must be positive for %s orders", ErrValidation, r.Type)
	}
	if r.Type.NeedsStop() && !(r.StopPrice > 0) {
		return fmt.Errorf("%w: stop price must be positive for %s orders", ErrValidation, r.Type)
	}
	return nil
}
