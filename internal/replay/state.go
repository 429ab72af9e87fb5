package replay

import (
	"errors"
	"fmt"

	"tapesim/internal/account"
	"tapesim/internal/historical"
	"tapesim/internal/orderbook"
)

var (
	ErrNotLoaded    = errors.New("no replay loaded")
	ErrInvalidSpeed = errors.New("speed must be positive")
)

// State is the playback state of a session.
type State int

const (
	StatePaused State = iota
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "PLAYING"
	default:
		return "PAUSED"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "PLAYING":
		*s = StatePlaying
	case "PAUSED":
		*s = StatePaused
	default:
		return fmt.Errorf("unknown state %q", b)
	}
	return nil
}

// Status is a full view of a session for clients that (re)connect.
type Status struct {
	ID        string                      `json:"id"`
	State     State                       `json:"state"`
	Symbol    string                      `json:"symbol,omitempty"`
	Day       string                      `json:"day,omitempty"`
	Timeframe historical.Timeframe        `json:"tf"`
	Playhead  *int64                      `json:"playhead"`
	Speed     float64                     `json:"speed"`
	Book      *historical.DepthSnapshot   `json:"book"`
	Tape      []historical.TradePrint     `json:"tape"`
	Charts    map[string][]historical.Bar `json:"charts"`
	Settings  account.Settings            `json:"settings"`
	Positions []account.Position          `json:"positions"`
	Orders    []orderbook.Order           `json:"orders"`
	Fills     []orderbook.Fill            `json:"fills"`
	Warning   string                      `json:"warning,omitempty"`
}

// Update is a push notification for websocket clients.
type Update struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	UpdateStatus   = "status"
	UpdateState    = "state"
	UpdatePlayhead = "playhead"
	UpdateBook     = "book"
	UpdateTrade    = "trade"
	UpdateCandles  = "candles"
	UpdateOrder    = "order"
	UpdateFill     = "fill"
	UpdatePosition = "position"
	UpdateEOS      = "eos"
)

// CandleUpdate carries the tail of one chart.
type CandleUpdate struct {
	Timeframe historical.Timeframe `json:"tf"`
	Bars      []historical.Bar     `json:"bars"`
}

// StateUpdate reports a play/pause transition.
type StateUpdate struct {
	State    State   `json:"state"`
	Playhead int64   `json:"playhead"`
	Speed    float64 `json:"speed"`
}
