package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"tapesim/internal/historical"
)

type bookWire struct {
	Type string `json:"type"`
	historical.DepthSnapshot
}

type tradeWire struct {
	Type string `json:"type"`
	historical.TradePrint
}

type barWire struct {
	Type string `json:"type"`
	historical.Bar
}

type batchWire struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"ts_event"`
	Items     []any  `json:"items"`
}

type eosWire struct {
	Type string `json:"type"`
}

func (e Event) wire() any {
	switch e.Kind {
	case KindBook:
		return bookWire{Type: "book", DepthSnapshot: *e.Book}
	case KindTrade:
		return tradeWire{Type: "trade", TradePrint: *e.Trade}
	default:
		return barWire{Type: "candle", Bar: *e.Bar}
	}
}

// MarshalJSON encodes the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.wire())
}

// Encode renders a message as wire JSON: a lone event as itself, several as
// a batch, and the end marker as {"type":"eos"}.
func Encode(m Message) ([]byte, error) {
	if m.End {
		return json.Marshal(eosWire{Type: "eos"})
	}
	if len(m.Events) == 1 {
		return json.Marshal(m.Events[0].wire())
	}
	items := make([]any, len(m.Events))
	for i, e := range m.Events {
		items[i] = e.wire()
	}
	return json.Marshal(batchWire{Type: "batch", Timestamp: m.Timestamp, Items: items})
}

// WriteRetry writes the SSE reconnect hint.
func WriteRetry(w io.Writer, ms int) error {
	_, err := fmt.Fprintf(w, "retry: %d\n\n", ms)
	return err
}

// WriteSSE frames one message as an SSE data line.
func WriteSSE(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
