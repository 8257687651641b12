// Package feed provides the streaming connection slots, the multi-level
// failover manager and the engine that keeps the option chain universe
// subscribed and flowing into the store.
package feed

import (
	"context"
	"time"

	"chainstream/internal/models"
)

// QuoteProvider is the vendor quote/expiry API, consumed read-only.
type QuoteProvider interface {
	// LastPrice returns the last traded price for a symbol.
	LastPrice(ctx context.Context, symbol string) (float64, error)
	// Expiries returns the ordered future expiry dates for an
	// underlying's option contracts.
	Expiries(ctx context.Context, underlying models.Underlying) ([]time.Time, error)
}

// Event is a typed event emitted by a Stream's receive path. Variants
// are TickArrived, HeartbeatReceived and StreamClosed.
type Event interface {
	streamEvent()
}

// TickArrived carries one validated market tick.
type TickArrived struct {
	Tick models.Tick
}

func (TickArrived) streamEvent() {}

// HeartbeatReceived marks stream liveness without data.
type HeartbeatReceived struct {
	At time.Time
}

func (HeartbeatReceived) streamEvent() {}

// StreamClosed reports that the transport dropped. Err carries the
// classified cause (transient, auth, rate limit, suspension).
type StreamClosed struct {
	Err error
}

func (StreamClosed) streamEvent() {}

// Stream is one open streaming connection. Events are delivered over a
// channel rather than callbacks so processing is decoupled from
// transport and synthetic streams can drive tests.
type Stream interface {
	// Subscribe subscribes a batch of symbols in the given mode.
	Subscribe(symbols []string, mode models.TickMode) error
	// Unsubscribe removes a batch of symbols.
	Unsubscribe(symbols []string) error
	// Events returns the stream's event channel. It is closed after
	// Close or a terminal transport failure (after a StreamClosed
	// event is delivered).
	Events() <-chan Event
	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens a stream for an account. One dial per connection
// attempt; no subscription state carries over between streams.
type Dialer interface {
	Dial(ctx context.Context, account models.Account) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, account models.Account) (Stream, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, account models.Account) (Stream, error) {
	return f(ctx, account)
}
