package orderbook

import "sort"

// ResetToTime rewinds simulated state to t: fills after t are dropped,
// orders created after t disappear, and cancels, triggers and rejections
// after t are undone. The ledger is rebuilt by replaying the surviving
// fills. ID counters are not rewound, so new IDs never collide with old ones.
// Callers install the book for t with SetMarket first.
func (e *Engine) ResetToTime(t int64) {
	kept := e.fills[:0]
	for _, f := range e.fills {
		if f.Timestamp <= t {
			kept = append(kept, f)
		}
	}
	e.fills = kept
	sort.SliceStable(e.fills, func(i, j int) bool {
		return e.fills[i].Timestamp < e.fills[j].Timestamp
	})

	filled := make(map[string]uint32, len(e.orders))
	for _, f := range e.fills {
		filled[f.OrderID] += f.Quantity
	}

	orders := e.orders[:0]
	for _, o := range e.orders {
		if o.CreatedAt > t {
			delete(e.byID, o.ID)
			continue
		}
		orders = append(orders, o)
	}
	for i := len(orders); i < len(e.orders); i++ {
		e.orders[i] = nil
	}
	e.orders = orders

	for _, o := range e.orders {
		o.Filled = min(filled[o.ID], o.Quantity)
		if o.CancelledAt != nil && *o.CancelledAt > t {
			o.CancelledAt = nil
		}
		if o.RejectedAt != nil && *o.RejectedAt > t {
			o.RejectedAt = nil
			o.RejectReason = ""
		}
		if o.TriggeredAt != nil && *o.TriggeredAt > t {
			o.TriggeredAt = nil
			o.Type = o.OrigType
		}
		o.Status = deriveStatus(o)
		o.QueueAhead = 0
		if o.Type == Limit && o.Working() {
			o.QueueAhead = e.sizeAt(o.Side, o.LimitPrice)
		}
	}

	e.ledger.Reset()
	for i := range e.fills {
		f := &e.fills[i]
		f.RealizedPnL = nil
		if realized, ok := e.ledger.Apply(f.Symbol, int64(f.Quantity)*f.Side.Sign(), f.Price); ok {
			r := realized
			f.RealizedPnL = &r
		}
	}
}

func deriveStatus(o *Order) Status {
	switch {
	case o.CancelledAt != nil:
		return StatusCancelled
	case o.RejectedAt != nil:
		return StatusRejected
	case o.Filled >= o.Quantity:
		return StatusFilled
	case o.Filled > 0:
		return StatusPartial
	}
	return StatusOpen
}
