package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	feederrors "chainstream/internal/errors"
	"chainstream/internal/models"
)

// failCapture records escalations from a slot's failure handler.
type failCapture struct {
	mu      sync.Mutex
	reasons []models.FailoverReason
}

func (f *failCapture) handler() FailureHandler {
	return func(account models.Account, reason models.FailoverReason, err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reasons = append(f.reasons, reason)
	}
}

func (f *failCapture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

func (f *failCapture) last() models.FailoverReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reasons) == 0 {
		return ""
	}
	return f.reasons[len(f.reasons)-1]
}

func newTestSlot(dialer Dialer, cfg SlotConfig, out chan models.Tick, onFail FailureHandler) *Slot {
	account := models.Account{ID: "primary", Broker: "zerodha", IsPrimary: true, IsActive: true}
	return NewSlot(account, dialer, cfg, out, onFail, zerolog.Nop())
}

func TestSlotConnectLifecycle(t *testing.T) {
	dialer := newFakeDialer()
	out := make(chan models.Tick, 8)
	slot := newTestSlot(dialer, fastSlotConfig(), out, nil)

	if slot.State() != StateStandby {
		t.Fatalf("fresh slot state = %s, want STANDBY", slot.State())
	}

	if err := slot.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if slot.State() != StateActive {
		t.Fatalf("state after connect = %s, want ACTIVE", slot.State())
	}
	if err := slot.Connect(context.Background()); err != nil {
		t.Errorf("second Connect must be a no-op, got %v", err)
	}
	if dialer.dialCount("primary") != 1 {
		t.Errorf("dials = %d, want 1 for an idempotent connect", dialer.dialCount("primary"))
	}

	slot.Close()
	if slot.State() != StateClosed {
		t.Fatalf("state after close = %s, want CLOSED", slot.State())
	}
	if err := slot.Connect(context.Background()); !feederrors.Is(err, feederrors.ErrSlotClosed) {
		t.Errorf("Connect on a closed slot = %v, want ErrSlotClosed", err)
	}

	slot.Reset()
	if slot.State() != StateStandby {
		t.Errorf("state after reset = %s, want STANDBY", slot.State())
	}
}

func TestSlotTerminalDialFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failWith("primary", feederrors.ErrAuthFailure)
	slot := newTestSlot(dialer, fastSlotConfig(), make(chan models.Tick, 8), nil)

	err := slot.Connect(context.Background())
	if !feederrors.Is(err, feederrors.ErrAuthFailure) {
		t.Fatalf("Connect = %v, want auth failure", err)
	}
	if slot.State() != StateFailed {
		t.Errorf("state = %s, a terminal dial failure must leave FAILED", slot.State())
	}
}

func TestSlotTransientDialFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failWith("primary", feederrors.ErrTransientDisconnect)
	slot := newTestSlot(dialer, fastSlotConfig(), make(chan models.Tick, 8), nil)

	if err := slot.Connect(context.Background()); err == nil {
		t.Fatal("Connect must surface the dial error")
	}
	if slot.State() != StateStandby {
		t.Errorf("state = %s, a transient dial failure must return to STANDBY", slot.State())
	}
	if slot.Failures() != 1 {
		t.Errorf("failures = %d, want 1", slot.Failures())
	}
}

func TestSlotForwardingGate(t *testing.T) {
	dialer := newFakeDialer()
	out := make(chan models.Tick, 8)
	slot := newTestSlot(dialer, fastSlotConfig(), out, nil)
	if err := slot.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	stream := dialer.lastStream("primary")
	tick := models.QuoteTick{Symbol: "NSE:NIFTY 50", LTP: 24567, Timestamp: time.Now()}

	stream.events <- TickArrived{Tick: tick}
	select {
	case got := <-out:
		t.Fatalf("tick %v forwarded before the gate opened", got)
	case <-time.After(20 * time.Millisecond):
	}

	slot.SetForwarding(true)
	stream.events <- TickArrived{Tick: tick}
	select {
	case got := <-out:
		if q, ok := got.(models.QuoteTick); !ok || q.LTP != 24567 {
			t.Errorf("forwarded %v, want the quote tick", got)
		}
	case <-time.After(time.Second):
		t.Fatal("tick not forwarded after the gate opened")
	}
}

func TestSlotLevel1Reconnect(t *testing.T) {
	dialer := newFakeDialer()
	slot := newTestSlot(dialer, fastSlotConfig(), make(chan models.Tick, 8), nil)
	if err := slot.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	symbols := []string{"NIFTY25SEP2524550CE", "NIFTY25SEP2524550PE"}
	if err := slot.Subscribe(symbols, models.TickModeDepth); err != nil {
		t.Fatal(err)
	}

	first := dialer.lastStream("primary")
	first.events <- StreamClosed{Err: feederrors.ErrTransientDisconnect}

	if !waitFor(time.Second, func() bool {
		return dialer.dialCount("primary") == 2 && slot.State() == StateActive
	}) {
		t.Fatalf("slot did not reconnect: dials=%d state=%s", dialer.dialCount("primary"), slot.State())
	}

	second := dialer.lastStream("primary")
	if second == first {
		t.Fatal("reconnect must dial a fresh stream")
	}
	resent := second.subscribed()
	if len(resent) != len(symbols) {
		t.Errorf("resubscribed %d symbols, want %d", len(resent), len(symbols))
	}
}

func TestSlotTerminalStreamErrorEscalates(t *testing.T) {
	dialer := newFakeDialer()
	fails := &failCapture{}
	slot := newTestSlot(dialer, fastSlotConfig(), make(chan models.Tick, 8), fails.handler())
	if err := slot.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	dialer.lastStream("primary").events <- StreamClosed{Err: feederrors.ErrAuthFailure}

	if !waitFor(time.Second, func() bool { return fails.count() == 1 }) {
		t.Fatal("terminal stream error did not escalate")
	}
	if fails.last() != models.ReasonAuthFailed {
		t.Errorf("reason = %s, want auth_failed", fails.last())
	}
	if slot.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", slot.State())
	}
	if dialer.dialCount("primary") != 1 {
		t.Errorf("dials = %d, a terminal error must never retry the same account", dialer.dialCount("primary"))
	}
}

func TestSlotRetriesExhaustedEscalates(t *testing.T) {
	dialer := newFakeDialer()
	fails := &failCapture{}
	cfg := fastSlotConfig()
	slot := newTestSlot(dialer, cfg, make(chan models.Tick, 8), fails.handler())
	if err := slot.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Every reconnect attempt now fails with a retryable error.
	dialer.failWith("primary", feederrors.ErrTransientDisconnect)
	dialer.lastStream("primary").events <- StreamClosed{Err: feederrors.ErrTransientDisconnect}

	if !waitFor(time.Second, func() bool { return fails.count() == 1 }) {
		t.Fatal("exhausted retries did not escalate")
	}
	if fails.last() != models.ReasonTransientDrop {
		t.Errorf("reason = %s, want transient_disconnect as the classified cause", fails.last())
	}
	if got := dialer.dialCount("primary"); got != 1+cfg.MaxRetries {
		t.Errorf("dials = %d, want the initial dial plus %d retries", got, cfg.MaxRetries)
	}
	if slot.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", slot.State())
	}
}

func TestSlotHeartbeatTimeoutReconnects(t *testing.T) {
	dialer := newFakeDialer()
	cfg := fastSlotConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	slot := newTestSlot(dialer, cfg, make(chan models.Tick, 8), nil)
	if err := slot.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	// Silence on the stream trips the watchdog and re-dials in place.
	if !waitFor(time.Second, func() bool {
		return dialer.dialCount("primary") >= 2 && slot.State() == StateActive
	}) {
		t.Fatalf("watchdog never reconnected: dials=%d state=%s", dialer.dialCount("primary"), slot.State())
	}
}

func TestSlotSubscribeBeforeConnect(t *testing.T) {
	dialer := newFakeDialer()
	slot := newTestSlot(dialer, fastSlotConfig(), make(chan models.Tick, 8), nil)

	err := slot.Subscribe([]string{"NIFTY25SEP2524550CE"}, models.TickModeDepth)
	if !feederrors.Is(err, feederrors.ErrNotConnected) {
		t.Errorf("Subscribe without a stream = %v, want ErrNotConnected", err)
	}
}

func TestSlotRejectedSubscribeNotRecorded(t *testing.T) {
	dialer := newFakeDialer()
	slot := newTestSlot(dialer, fastSlotConfig(), make(chan models.Tick, 8), nil)
	if err := slot.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer slot.Close()

	first := dialer.lastStream("primary")
	rejected := []string{"NIFTY25SEP2524550CE", "NIFTY25SEP2524550PE"}
	accepted := []string{"NIFTY25SEP2524600CE"}

	first.rejectSubscribes(feederrors.ErrTransientDisconnect)
	if err := slot.Subscribe(rejected, models.TickModeDepth); err == nil {
		t.Fatal("rejected batch must surface the stream error")
	}
	if err := slot.Subscribe(accepted, models.TickModeDepth); err != nil {
		t.Fatal(err)
	}

	// A batch the stream never accepted must not come back as "already
	// subscribed": the resend after reconnect carries only what the
	// stream acknowledged, and a later reconcile still sees the
	// rejected symbols as missing.
	first.events <- StreamClosed{Err: feederrors.ErrTransientDisconnect}
	if !waitFor(time.Second, func() bool {
		return dialer.dialCount("primary") == 2 && slot.State() == StateActive
	}) {
		t.Fatalf("slot did not reconnect: dials=%d state=%s", dialer.dialCount("primary"), slot.State())
	}

	resent := dialer.lastStream("primary").subscribed()
	if len(resent) != 1 || resent[0] != accepted[0] {
		t.Errorf("resent = %v, want only the accepted batch %v", resent, accepted)
	}
}

func TestSlotCancelledReconnectDiscardsFreshStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The dial wins the race against teardown: cancellation lands while
	// the broker handshake is already succeeding.
	var fresh *fakeStream
	dialer := DialerFunc(func(dialCtx context.Context, account models.Account) (Stream, error) {
		cancel()
		fresh = newFakeStream()
		return fresh, nil
	})

	fails := &failCapture{}
	slot := newTestSlot(dialer, fastSlotConfig(), make(chan models.Tick, 8), fails.handler())

	if got := slot.degradeAndReconnect(ctx, nil, feederrors.ErrTransientDisconnect); got != nil {
		t.Fatal("cancelled reconnect must not hand back a stream")
	}
	if fresh == nil {
		t.Fatal("dialer never ran")
	}
	if !fresh.isClosed() {
		t.Error("stream dialed after cancellation was left open")
	}
	if slot.State() == StateActive {
		t.Errorf("state = %s, a torn-down slot must not go ACTIVE", slot.State())
	}
	if fails.count() != 0 {
		t.Errorf("escalations = %d, deliberate teardown must not escalate", fails.count())
	}
}
