package kite

import (
	"testing"
	"time"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"

	"chainstream/internal/models"
)

func newConvertStream() *stream {
	return &stream{
		modes: map[uint32]models.TickMode{
			42: models.TickModeQuote,
			77: models.TickModeDepth,
		},
		byTok: map[uint32]string{
			42: "NSE:NIFTY 50",
			77: "NFO:NIFTY25SEP24650CE",
		},
	}
}

func TestConvertQuoteTick(t *testing.T) {
	s := newConvertStream()
	at := time.Date(2025, time.September, 24, 10, 30, 0, 0, time.UTC)

	tick, ok := s.convert(kitemodels.Tick{
		InstrumentToken: 42,
		LastPrice:       24650.4,
		VolumeTraded:    120,
		Timestamp:       kitemodels.Time{Time: at},
	})
	if !ok {
		t.Fatal("valid quote tick was dropped")
	}
	q, isQuote := tick.(models.QuoteTick)
	if !isQuote {
		t.Fatalf("quote-mode token produced %T", tick)
	}
	if q.Symbol != "NSE:NIFTY 50" || q.LTP != 24650.4 || q.Volume != 120 {
		t.Errorf("unexpected quote tick %+v", q)
	}
	if !q.Timestamp.Equal(at) {
		t.Errorf("timestamp = %v, want %v", q.Timestamp, at)
	}
}

func TestConvertDepthTick(t *testing.T) {
	s := newConvertStream()

	kt := kitemodels.Tick{
		InstrumentToken: 77,
		LastPrice:       125.5,
		OI:              4200,
	}
	kt.Depth.Buy[0] = kitemodels.DepthItem{Price: 125.4, Quantity: 750}
	kt.Depth.Buy[1] = kitemodels.DepthItem{Price: 125.3, Quantity: 300}
	kt.Depth.Sell[0] = kitemodels.DepthItem{Price: 125.6, Quantity: 500}

	tick, ok := s.convert(kt)
	if !ok {
		t.Fatal("valid depth tick was dropped")
	}
	d, isDepth := tick.(models.DepthTick)
	if !isDepth {
		t.Fatalf("depth-mode token produced %T", tick)
	}
	if d.Symbol != "NFO:NIFTY25SEP24650CE" || d.OI != 4200 {
		t.Errorf("unexpected depth tick %+v", d)
	}
	// Kite depth arrays are fixed five-a-side; empty levels must not
	// appear in the book.
	if len(d.Bids) != 2 || len(d.Asks) != 1 {
		t.Fatalf("bids/asks = %d/%d, want 2/1", len(d.Bids), len(d.Asks))
	}
	if d.Bids[0].Price != 125.4 || d.Bids[0].Quantity != 750 {
		t.Errorf("top bid = %+v", d.Bids[0])
	}
}

func TestConvertDropsMalformedTicks(t *testing.T) {
	s := newConvertStream()

	cases := []struct {
		name string
		tick kitemodels.Tick
	}{
		{
			// A broker glitch on a tracked quote symbol must never
			// surface as a priced tick: a zero or negative LTP would
			// rebase the whole strike ladder.
			name: "negative price on tracked quote symbol",
			tick: kitemodels.Tick{InstrumentToken: 42, LastPrice: -1},
		},
		{
			name: "untracked instrument token",
			tick: kitemodels.Tick{InstrumentToken: 9999, LastPrice: 100},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tick, ok := s.convert(tc.tick)
			if ok {
				t.Fatalf("malformed tick passed conversion: %+v", tick)
			}
			if tick != nil {
				t.Errorf("dropped tick should be nil, got %+v", tick)
			}
		})
	}
}
