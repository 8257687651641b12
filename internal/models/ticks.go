package models

import (
	"math"
	"time"
)

// TickMode is the subscription mode for a symbol.
type TickMode string

const (
	TickModeQuote TickMode = "quote"
	TickModeDepth TickMode = "depth"
)

// DepthLevel is one order-book level. Field names and ordering are
// bit-exact with the provider's wire contract.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

// RawTick is the provider's wire-shape tick, exactly as received.
type RawTick struct {
	Symbol    string       `json:"symbol"`
	Mode      TickMode     `json:"mode"`
	LTP       float64      `json:"ltp"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	Volume    int64        `json:"volume"`
	OI        int64        `json:"oi"`
	Timestamp time.Time    `json:"timestamp"`
}

// Tick is a validated, mode-tagged tick event. The two variants are
// QuoteTick and DepthTick; unrecognized shapes never become a Tick.
type Tick interface {
	TickSymbol() string
	TickTime() time.Time
}

// QuoteTick carries an underlying spot price update.
type QuoteTick struct {
	Symbol    string
	LTP       float64
	Volume    int64
	Timestamp time.Time
}

func (t QuoteTick) TickSymbol() string  { return t.Symbol }
func (t QuoteTick) TickTime() time.Time { return t.Timestamp }

// DepthTick carries a full market-depth update for one option symbol.
type DepthTick struct {
	Symbol    string
	LTP       float64
	Bids      []DepthLevel
	Asks      []DepthLevel
	Volume    int64
	OI        int64
	Timestamp time.Time
}

func (t DepthTick) TickSymbol() string  { return t.Symbol }
func (t DepthTick) TickTime() time.Time { return t.Timestamp }

// Normalize converts a wire tick into its tagged variant. It returns
// false for malformed ticks: missing symbol, non-finite or negative
// price, or an unrecognized mode. Callers drop and count those.
func (r RawTick) Normalize() (Tick, bool) {
	if r.Symbol == "" {
		return nil, false
	}
	if math.IsNaN(r.LTP) || math.IsInf(r.LTP, 0) || r.LTP < 0 {
		return nil, false
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	switch r.Mode {
	case TickModeQuote:
		return QuoteTick{
			Symbol:    r.Symbol,
			LTP:       r.LTP,
			Volume:    r.Volume,
			Timestamp: ts,
		}, true
	case TickModeDepth:
		return DepthTick{
			Symbol:    r.Symbol,
			LTP:       r.LTP,
			Bids:      r.Bids,
			Asks:      r.Asks,
			Volume:    r.Volume,
			OI:        r.OI,
			Timestamp: ts,
		}, true
	default:
		return nil, false
	}
}
