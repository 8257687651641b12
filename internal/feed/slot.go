package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	feederrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/models"
	"chainstream/pkg/utils"
)

// SlotState is the connection slot state machine state.
type SlotState string

const (
	StateStandby    SlotState = "STANDBY"
	StateConnecting SlotState = "CONNECTING"
	StateActive     SlotState = "ACTIVE"
	StateDegraded   SlotState = "DEGRADED"
	StateFailed     SlotState = "FAILED"
	StateClosed     SlotState = "CLOSED"
)

// SlotConfig holds per-slot connection tuning.
type SlotConfig struct {
	HeartbeatInterval time.Duration
	ConnectTimeout    time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxRetries        int
}

// DefaultSlotConfig returns the default slot configuration.
func DefaultSlotConfig() SlotConfig {
	return SlotConfig{
		HeartbeatInterval: 30 * time.Second,
		ConnectTimeout:    30 * time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        30 * time.Second,
		MaxRetries:        5,
	}
}

// FailureHandler is invoked when a slot gives up on its account. It runs
// on the slot's receive goroutine; implementations must not block on the
// slot itself.
type FailureHandler func(account models.Account, reason models.FailoverReason, err error)

// Slot is one managed streaming connection bound to one account. It owns
// the Level-1 reconnect policy; everything beyond that escalates to the
// failover manager through its FailureHandler.
type Slot struct {
	account models.Account
	dialer  Dialer
	cfg     SlotConfig
	logger  zerolog.Logger

	out    chan<- models.Tick
	onFail FailureHandler

	mu           sync.Mutex
	state        SlotState
	stream       Stream
	subs         map[string]models.TickMode
	subOrder     []string
	failures     int
	lastActivity time.Time
	forwarding   bool
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewSlot creates a slot in STANDBY for the given account.
func NewSlot(account models.Account, dialer Dialer, cfg SlotConfig, out chan<- models.Tick, onFail FailureHandler, logger zerolog.Logger) *Slot {
	return &Slot{
		account: account,
		dialer:  dialer,
		cfg:     cfg,
		logger:  logging.WithAccount(logger, account.ID),
		out:     out,
		onFail:  onFail,
		state:   StateStandby,
		subs:    make(map[string]models.TickMode),
	}
}

// Account returns the slot's account.
func (s *Slot) Account() models.Account {
	return s.account
}

// State returns the current state.
func (s *Slot) State() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last stream event.
func (s *Slot) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Failures returns the slot's accumulated failure count.
func (s *Slot) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// transition moves the state machine, logging the edge. Caller must not
// hold s.mu.
func (s *Slot) transition(to SlotState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from != to {
		logging.LogSlotState(s.logger, s.account.ID, string(from), string(to))
	}
}

// Connect dials the stream and starts the receive loop. Idempotent: a
// slot that is already ACTIVE returns nil immediately. A CLOSED slot is
// not reusable until Reset.
func (s *Slot) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateActive, StateConnecting, StateDegraded:
		s.mu.Unlock()
		return nil
	case StateClosed:
		s.mu.Unlock()
		return feederrors.ErrSlotClosed
	}
	s.mu.Unlock()

	s.transition(StateConnecting)

	dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	stream, err := s.dialer.Dial(dialCtx, s.account)
	cancelDial()
	if err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		if feederrors.Terminal(err) {
			s.transition(StateFailed)
			return err
		}
		// Give-up on a non-terminal dial failure returns the slot to
		// STANDBY so it stays usable as a backup.
		s.transition(StateFailed)
		s.transition(StateStandby)
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.stream = stream
	s.cancel = cancel
	s.done = done
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.transition(StateActive)
	go s.receiveLoop(loopCtx, stream, done)
	return nil
}

// SetForwarding controls whether received ticks are forwarded
// downstream. The failover manager keeps it off on a fresh connection
// until the full required set has been resent.
func (s *Slot) SetForwarding(forward bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarding = forward
}

// Subscribe sends one batch and, once the stream has accepted it,
// records it for idempotent resend on reconnect. A rejected batch stays
// unrecorded so the next reconcile pass sees it as still missing.
func (s *Slot) Subscribe(symbols []string, mode models.TickMode) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return feederrors.ErrNotConnected
	}
	if err := stream.Subscribe(symbols, mode); err != nil {
		return err
	}

	s.mu.Lock()
	for _, sym := range symbols {
		if _, ok := s.subs[sym]; !ok {
			s.subOrder = append(s.subOrder, sym)
		}
		s.subs[sym] = mode
	}
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes one batch. The recorded set only shrinks after the
// stream has accepted the removal.
func (s *Slot) Unsubscribe(symbols []string) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return feederrors.ErrNotConnected
	}
	if err := stream.Unsubscribe(symbols); err != nil {
		return err
	}

	s.mu.Lock()
	for _, sym := range symbols {
		delete(s.subs, sym)
	}
	order := s.subOrder[:0]
	for _, sym := range s.subOrder {
		if _, ok := s.subs[sym]; ok {
			order = append(order, sym)
		}
	}
	s.subOrder = order
	s.mu.Unlock()
	return nil
}

// ClearSubscriptions forgets recorded subscriptions without sending
// anything. Used before a full resend against a fresh connection.
func (s *Slot) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = make(map[string]models.TickMode)
	s.subOrder = nil
}

// resubscribe idempotently resends all recorded subscriptions to the
// given stream, preserving original subscription order.
func (s *Slot) resubscribe(stream Stream) error {
	s.mu.Lock()
	type group struct {
		mode    models.TickMode
		symbols []string
	}
	var groups []group
	for _, sym := range s.subOrder {
		mode := s.subs[sym]
		if len(groups) == 0 || groups[len(groups)-1].mode != mode {
			groups = append(groups, group{mode: mode})
		}
		g := &groups[len(groups)-1]
		g.symbols = append(g.symbols, sym)
	}
	s.mu.Unlock()

	for _, g := range groups {
		for _, batch := range batchSymbols(g.symbols) {
			if err := stream.Subscribe(batch, g.mode); err != nil {
				return err
			}
		}
	}
	return nil
}

func batchSymbols(symbols []string) [][]string {
	const size = 50
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		out = append(out, symbols[start:end])
	}
	return out
}

// receiveLoop consumes stream events under a heartbeat watchdog until
// cancellation or an unrecoverable failure.
func (s *Slot) receiveLoop(ctx context.Context, stream Stream, done chan struct{}) {
	defer close(done)

	watchdog := time.NewTimer(s.cfg.HeartbeatInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-watchdog.C:
			s.logger.Warn().Msg("Heartbeat missed")
			stream = s.degradeAndReconnect(ctx, stream, feederrors.ErrHeartbeatTimeout)
			if stream == nil {
				return
			}
			watchdog.Reset(s.cfg.HeartbeatInterval)

		case ev, ok := <-stream.Events():
			if !ok {
				stream = s.degradeAndReconnect(ctx, stream, feederrors.ErrTransientDisconnect)
				if stream == nil {
					return
				}
				watchdog.Reset(s.cfg.HeartbeatInterval)
				continue
			}

			s.touch()
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(s.cfg.HeartbeatInterval)

			switch e := ev.(type) {
			case TickArrived:
				s.forward(e.Tick)
			case HeartbeatReceived:
				// liveness only
			case StreamClosed:
				if feederrors.Terminal(e.Err) {
					s.fail(e.Err)
					return
				}
				stream = s.degradeAndReconnect(ctx, stream, e.Err)
				if stream == nil {
					return
				}
				watchdog.Reset(s.cfg.HeartbeatInterval)
			}
		}
	}
}

func (s *Slot) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Slot) forward(tick models.Tick) {
	s.mu.Lock()
	forwarding := s.forwarding
	s.mu.Unlock()
	if !forwarding {
		return
	}
	select {
	case s.out <- tick:
	default:
		// Processor backlog; newer ticks supersede anyway.
	}
}

// degradeAndReconnect runs the Level-1 policy: same-account reconnect
// with exponential backoff and a bounded attempt budget. It returns the
// fresh stream, or nil after escalating to the failure handler.
func (s *Slot) degradeAndReconnect(ctx context.Context, old Stream, cause error) Stream {
	s.transition(StateDegraded)
	if old != nil {
		_ = old.Close()
	}

	s.mu.Lock()
	s.failures++
	s.mu.Unlock()

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		delay := utils.CalculateBackoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffMax, 2.0)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		stream, err := s.dialer.Dial(dialCtx, s.account)
		cancelDial()
		if err != nil {
			if feederrors.Terminal(err) {
				s.fail(err)
				return nil
			}
			s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Reconnect attempt failed")
			continue
		}

		// Close may have raced a dial that still succeeded; the slot is
		// being torn down, so the fresh stream must not be installed.
		if ctx.Err() != nil {
			_ = stream.Close()
			return nil
		}

		if err := s.resubscribe(stream); err != nil {
			s.logger.Warn().Err(err).Msg("Resubscribe after reconnect failed")
			_ = stream.Close()
			continue
		}

		s.mu.Lock()
		s.stream = stream
		s.lastActivity = time.Now()
		s.mu.Unlock()
		s.transition(StateActive)
		s.logger.Info().Int("attempt", attempt+1).Msg("Reconnected")
		return stream
	}

	s.fail(feederrors.Wrapf(cause, "level-1 retries exhausted after %d attempts", s.cfg.MaxRetries))
	return nil
}

// fail marks the slot FAILED and escalates to the failure handler.
func (s *Slot) fail(err error) {
	s.transition(StateFailed)
	s.logger.Error().Err(err).Msg("Slot failed")
	if s.onFail != nil {
		s.onFail(s.account, reasonFor(err), err)
	}
}

// reasonFor maps a classified error to its failover reason code.
func reasonFor(err error) models.FailoverReason {
	switch {
	case feederrors.Is(err, feederrors.ErrAuthFailure):
		return models.ReasonAuthFailed
	case feederrors.Is(err, feederrors.ErrRateLimited):
		return models.ReasonRateLimited
	case feederrors.Is(err, feederrors.ErrAccountSuspended):
		return models.ReasonAccountSuspended
	case feederrors.Is(err, feederrors.ErrHeartbeatTimeout):
		return models.ReasonHeartbeatTimeout
	case feederrors.Is(err, feederrors.ErrTransientDisconnect):
		return models.ReasonTransientDrop
	default:
		return models.ReasonRetriesExhausted
	}
}

// Close cancels the receive loop and any in-flight backoff, closes the
// stream and waits for the loop to exit. The slot ends CLOSED.
func (s *Slot) Close() {
	s.mu.Lock()
	cancel := s.cancel
	stream := s.stream
	done := s.done
	s.cancel = nil
	s.stream = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if done != nil {
		<-done
	}
	s.transition(StateClosed)
}

// Reset returns a CLOSED or FAILED slot to STANDBY so the account can be
// reused after external restoration.
func (s *Slot) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateFailed {
		s.state = StateStandby
		s.failures = 0
	}
}
