package kite

import (
	"context"
	"sync"
	"time"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	feederrors "chainstream/internal/errors"
	"chainstream/internal/feed"
	"chainstream/internal/models"
)

// Dialer opens Kite ticker streams for accounts. Each account maps to
// its own authenticated Client; login happens lazily on first dial.
type Dialer struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewDialer creates a dialer over per-account credentials.
func NewDialer(creds map[string]Credentials) *Dialer {
	clients := make(map[string]*Client, len(creds))
	for id, c := range creds {
		clients[id] = NewClient(c)
	}
	return &Dialer{clients: clients}
}

// Client returns the client for an account, if configured.
func (d *Dialer) Client(accountID string) (*Client, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[accountID]
	return c, ok
}

// Dial implements feed.Dialer: authenticate if needed, open the ticker
// websocket, and wrap it as a feed.Stream.
func (d *Dialer) Dial(ctx context.Context, account models.Account) (feed.Stream, error) {
	client, ok := d.Client(account.ID)
	if !ok {
		return nil, feederrors.NewFeedError(account.ID, "no_credentials", "account has no configured credentials", feederrors.ErrAuthFailure)
	}

	if client.AccessToken() == "" {
		if err := client.AutoLogin(ctx); err != nil {
			return nil, err
		}
	}
	if err := client.ensureInstruments(ctx); err != nil {
		return nil, err
	}

	s := &stream{
		client: client,
		ticker: kiteticker.New(client.creds.APIKey, client.AccessToken()),
		events: make(chan feed.Event, 1024),
		modes:  make(map[uint32]models.TickMode),
		byTok:  make(map[uint32]string),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// stream adapts one kiteticker connection to feed.Stream. The ticker's
// callbacks only push typed events onto the channel; all processing
// happens on the consumer side.
type stream struct {
	client *Client
	ticker *kiteticker.Ticker

	mu     sync.Mutex
	modes  map[uint32]models.TickMode
	byTok  map[uint32]string
	closed bool

	events chan feed.Event
}

func (s *stream) connect(ctx context.Context) error {
	connected := make(chan struct{}, 1)

	s.ticker.OnConnect(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
		s.emit(feed.HeartbeatReceived{At: time.Now()})
	})

	s.ticker.OnError(func(err error) {
		classified := classify(err)
		if feederrors.Terminal(classified) {
			s.emit(feed.StreamClosed{Err: classified})
		}
		// Transient ticker errors surface through OnClose.
	})

	s.ticker.OnClose(func(code int, reason string) {
		s.emit(feed.StreamClosed{Err: feederrors.Wrapf(feederrors.ErrTransientDisconnect, "ticker closed (%d): %s", code, reason)})
	})

	s.ticker.OnTick(func(tick kitemodels.Tick) {
		if t, ok := s.convert(tick); ok {
			s.emit(feed.TickArrived{Tick: t})
		}
	})

	// The library reconnects on its own; the slot owns that policy, so
	// keep library reconnection off and let OnClose surface drops.
	s.ticker.SetAutoReconnect(false)

	go s.ticker.Serve()

	select {
	case <-ctx.Done():
		s.Close()
		return feederrors.Wrap(feederrors.ErrTransientDisconnect, "connect cancelled")
	case <-connected:
		return nil
	}
}

func (s *stream) emit(ev feed.Event) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Consumer backlog: ticks are last-writer-wins downstream.
	}
}

// Subscribe implements feed.Stream.
func (s *stream) Subscribe(symbols []string, mode models.TickMode) error {
	tokens := make([]uint32, 0, len(symbols))
	s.mu.Lock()
	for _, sym := range symbols {
		token, ok := s.client.Token(sym)
		if !ok {
			continue
		}
		tokens = append(tokens, token)
		s.modes[token] = mode
		s.byTok[token] = sym
	}
	s.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}
	if err := s.ticker.Subscribe(tokens); err != nil {
		return classify(err)
	}

	kiteMode := kiteticker.ModeQuote
	if mode == models.TickModeDepth {
		kiteMode = kiteticker.ModeFull
	}
	if err := s.ticker.SetMode(kiteMode, tokens); err != nil {
		return classify(err)
	}
	return nil
}

// Unsubscribe implements feed.Stream.
func (s *stream) Unsubscribe(symbols []string) error {
	tokens := make([]uint32, 0, len(symbols))
	s.mu.Lock()
	for _, sym := range symbols {
		if token, ok := s.client.Token(sym); ok {
			tokens = append(tokens, token)
			delete(s.modes, token)
			delete(s.byTok, token)
		}
	}
	s.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}
	if err := s.ticker.Unsubscribe(tokens); err != nil {
		return classify(err)
	}
	return nil
}

// Events implements feed.Stream.
func (s *stream) Events() <-chan feed.Event {
	return s.events
}

// Close implements feed.Stream. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.ticker.Close()
	close(s.events)
	return nil
}

// convert maps a kite tick onto the wire tick shape and normalizes it.
// Ticks that fail normalization are dropped here; a malformed price must
// never reach the processor looking like a real quote.
func (s *stream) convert(tick kitemodels.Tick) (models.Tick, bool) {
	s.mu.Lock()
	symbol := s.byTok[tick.InstrumentToken]
	mode := s.modes[tick.InstrumentToken]
	s.mu.Unlock()

	raw := models.RawTick{
		Symbol:    symbol,
		Mode:      mode,
		LTP:       tick.LastPrice,
		Volume:    int64(tick.VolumeTraded),
		OI:        int64(tick.OI),
		Timestamp: tick.Timestamp.Time,
	}
	for _, lvl := range tick.Depth.Buy {
		if lvl.Quantity == 0 {
			continue
		}
		raw.Bids = append(raw.Bids, models.DepthLevel{Price: lvl.Price, Quantity: int64(lvl.Quantity)})
	}
	for _, lvl := range tick.Depth.Sell {
		if lvl.Quantity == 0 {
			continue
		}
		raw.Asks = append(raw.Asks, models.DepthLevel{Price: lvl.Price, Quantity: int64(lvl.Quantity)})
	}

	normalized, ok := raw.Normalize()
	if !ok {
		return nil, false
	}
	return normalized, true
}
