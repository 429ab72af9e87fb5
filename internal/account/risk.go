package account

import (
	"errors"
	"fmt"
)

var (
	ErrShortingDisabled = errors.New("shorting is disabled")
	ErrBuyingPower      = errors.New("exceeds buying power")
	ErrNoPrice          = errors.New("buying power check needs a price")
	ErrInvalidSettings  = errors.New("invalid risk settings")
)

// Settings are the user-adjustable risk limits.
type Settings struct {
	AllowShorting      bool    `json:"allow_shorting" yaml:"allow_shorting" toml:"allow_shorting"`
	BuyingPowerEnabled bool    `json:"buying_power_enabled" yaml:"buying_power_enabled" toml:"buying_power_enabled"`
	BuyingPower        float64 `json:"buying_power" yaml:"buying_power" toml:"buying_power"`
}

// DefaultSettings returns shorting off and a $1,800 buying power cap.
func DefaultSettings() Settings {
	return Settings{
		AllowShorting:      false,
		BuyingPowerEnabled: true,
		BuyingPower:        1800,
	}
}

// Validate rejects a negative cap.
func (s Settings) Validate() error {
	if s.BuyingPower < 0 {
		return fmt.Errorf("%w: buying_power must not be negative", ErrInvalidSettings)
	}
	return nil
}

// CheckShort fails when selling qty from shares would leave a short
// position while shorting is disabled.
func (s Settings) CheckShort(shares, qty int64) error {
	if s.AllowShorting {
		return nil
	}
	if shares-qty < 0 {
		return fmt.Errorf("%w: selling %d with %d held", ErrShortingDisabled, qty, shares)
	}
	return nil
}

// Exposure describes the long notional a BUY would add to.
type Exposure struct {
	Shares          int64   // Current signed position
	MarkPrice       float64 // Price used to value the current long position
	OpenBuyNotional float64 // Resting BUY orders at their estimated prices
	Quantity        int64   // Shares the new BUY adds
	Price           float64 // Estimated execution price of the new BUY, 0 if unknown
}

// DeltaLong returns how many shares of a qty BUY add to long exposure.
// Buys that only cover a short add nothing.
func DeltaLong(shares, qty int64) int64 {
	return max(0, shares+qty) - max(0, shares)
}

// CheckBuyingPower fails when the total long notional after the order would
// exceed the configured cap.
func (s Settings) CheckBuyingPower(e Exposure) error {
	if !s.BuyingPowerEnabled {
		return nil
	}
	delta := DeltaLong(e.Shares, e.Quantity)
	if delta <= 0 {
		return nil
	}
	if e.Price <= 0 {
		return ErrNoPrice
	}
	total := float64(max(0, e.Shares))*e.MarkPrice + e.OpenBuyNotional + float64(delta)*e.Price
	if total > s.BuyingPower+1e-9 {
		return fmt.Errorf("%w: needs $%.2f of $%.2f", ErrBuyingPower, total, s.BuyingPower)
	}
	return nil
}
