package models

import (
	"math"
	"testing"
	"time"
)

func TestNormalizeQuote(t *testing.T) {
	ts := time.Date(2025, time.September, 25, 10, 0, 0, 0, time.UTC)
	raw := RawTick{Symbol: "NSE:NIFTY 50", Mode: TickModeQuote, LTP: 24567, Volume: 1000, Timestamp: ts}

	tick, ok := raw.Normalize()
	if !ok {
		t.Fatal("valid quote tick rejected")
	}
	q, ok := tick.(QuoteTick)
	if !ok {
		t.Fatalf("normalized to %T, want QuoteTick", tick)
	}
	if q.Symbol != raw.Symbol || q.LTP != raw.LTP || !q.Timestamp.Equal(ts) {
		t.Errorf("quote fields lost: %+v", q)
	}
}

func TestNormalizeDepth(t *testing.T) {
	raw := RawTick{
		Symbol: "NIFTY25SEP2524550CE",
		Mode:   TickModeDepth,
		LTP:    125.75,
		Bids:   []DepthLevel{{Price: 125.50, Quantity: 750}},
		Asks:   []DepthLevel{{Price: 126.00, Quantity: 600}},
		OI:     300000,
	}

	tick, ok := raw.Normalize()
	if !ok {
		t.Fatal("valid depth tick rejected")
	}
	d, ok := tick.(DepthTick)
	if !ok {
		t.Fatalf("normalized to %T, want DepthTick", tick)
	}
	if len(d.Bids) != 1 || d.Bids[0].Price != 125.50 || d.OI != 300000 {
		t.Errorf("depth fields lost: %+v", d)
	}
	if d.Timestamp.IsZero() {
		t.Error("missing timestamp must be filled at ingest")
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  RawTick
	}{
		{"empty symbol", RawTick{Mode: TickModeQuote, LTP: 100}},
		{"negative price", RawTick{Symbol: "X", Mode: TickModeQuote, LTP: -1}},
		{"nan price", RawTick{Symbol: "X", Mode: TickModeQuote, LTP: math.NaN()}},
		{"inf price", RawTick{Symbol: "X", Mode: TickModeDepth, LTP: math.Inf(1)}},
		{"unknown mode", RawTick{Symbol: "X", Mode: "ohlc", LTP: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := tt.raw.Normalize(); ok {
				t.Error("malformed tick accepted")
			}
		})
	}
}
