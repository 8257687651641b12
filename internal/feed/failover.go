package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	feederrors "chainstream/internal/errors"
	"chainstream/internal/logging"
	"chainstream/internal/models"
)

// Hierarchy orders accounts into the failover priority list: the primary
// account first, then other active accounts of the same broker by health
// score descending, then other brokers' accounts by health score
// descending. Inactive accounts are excluded.
func Hierarchy(accounts []models.Account) []models.Account {
	var primary *models.Account
	for i := range accounts {
		if accounts[i].IsPrimary && accounts[i].IsActive {
			primary = &accounts[i]
			break
		}
	}

	var sameBroker, crossBroker []models.Account
	for _, a := range accounts {
		if !a.IsActive || (primary != nil && a.ID == primary.ID) {
			continue
		}
		if primary != nil && a.Broker == primary.Broker {
			sameBroker = append(sameBroker, a)
		} else {
			crossBroker = append(crossBroker, a)
		}
	}

	byHealth := func(list []models.Account) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].HealthScore > list[j].HealthScore
		})
	}
	byHealth(sameBroker)
	byHealth(crossBroker)

	out := make([]models.Account, 0, len(accounts))
	if primary != nil {
		out = append(out, *primary)
	}
	out = append(out, sameBroker...)
	out = append(out, crossBroker...)
	return out
}

// ManagerConfig holds failover manager configuration.
type ManagerConfig struct {
	Slot SlotConfig
	// RateLimitCooldown is how long a rate-limited account is skipped
	// before it becomes eligible again at its hierarchy rank.
	RateLimitCooldown time.Duration
	// HistorySize bounds the failover event ring buffer.
	HistorySize int
}

// DefaultManagerConfig returns the default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Slot:              DefaultSlotConfig(),
		RateLimitCooldown: 5 * time.Minute,
		HistorySize:       64,
	}
}

// Manager owns the account hierarchy and drives account-level (Level 2)
// and broker-level (Level 3) switchover. All switchover runs through a
// single writer; at most one slot is current at any instant.
type Manager struct {
	cfg    ManagerConfig
	dialer Dialer
	out    chan<- models.Tick
	onFail FailureHandler
	logger zerolog.Logger

	mu        sync.Mutex
	directory []models.Account
	health    *HealthTracker
	slots     map[string]*Slot
	current   *Slot
	suspended map[string]bool
	coolingTo map[string]time.Time // accountID -> eligible-again instant
	degraded  bool

	events []models.FailoverEvent // ring buffer
	next   int
	filled bool

	now func() time.Time
}

// NewManager creates a failover manager over the given account
// directory. onFail is installed on every slot the manager activates.
func NewManager(accounts []models.Account, dialer Dialer, cfg ManagerConfig, out chan<- models.Tick, onFail FailureHandler, logger zerolog.Logger) *Manager {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultManagerConfig().HistorySize
	}
	return &Manager{
		cfg:       cfg,
		dialer:    dialer,
		out:       out,
		onFail:    onFail,
		logger:    logger,
		directory: accounts,
		health:    NewHealthTracker(accounts),
		slots:     make(map[string]*Slot),
		suspended: make(map[string]bool),
		coolingTo: make(map[string]time.Time),
		events:    make([]models.FailoverEvent, cfg.HistorySize),
		now:       time.Now,
	}
}

// SetClock overrides the manager's clock.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Current returns the current slot, nil when no stream is active.
func (m *Manager) Current() *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Degraded reports whether the hierarchy is exhausted and no live
// stream exists.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// Accounts returns the priority-ordered hierarchy with live health
// scores applied.
func (m *Manager) Accounts() []models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Hierarchy(m.health.Apply(m.directory))
}

// Health exposes the account health tracker.
func (m *Manager) Health() *HealthTracker {
	return m.health
}

// slotFor returns (creating if needed) the slot for an account.
// Caller holds m.mu.
func (m *Manager) slotFor(account models.Account) *Slot {
	if s, ok := m.slots[account.ID]; ok {
		return s
	}
	s := NewSlot(account, m.dialer, m.cfg.Slot, m.out, m.onFail, m.logger)
	m.slots[account.ID] = s
	return s
}

// nextEligible picks the highest-priority usable account, honoring
// suspensions, rate-limit cool-downs and live health ordering. Caller
// holds m.mu.
func (m *Manager) nextEligible(exclude map[string]bool) (models.Account, bool) {
	now := m.now()
	for _, a := range Hierarchy(m.health.Apply(m.directory)) {
		if exclude[a.ID] || m.suspended[a.ID] {
			continue
		}
		if until, ok := m.coolingTo[a.ID]; ok {
			if now.Before(until) {
				continue
			}
			delete(m.coolingTo, a.ID)
		}
		return a, true
	}
	return models.Account{}, false
}

// Connect ensures a current slot exists and is connected, starting at
// the top of the hierarchy. Idempotent.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.current != nil {
		state := m.current.State()
		if state == StateActive || state == StateConnecting || state == StateDegraded {
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Unlock()

	return m.advance(ctx, models.ReasonTransientDrop, nil, nil)
}

// Switchover executes the Level-2/3 procedure: capture the required
// set, tear down the failed slot, activate the next slot, resend the
// full set, append the event, then mark the new slot current.
// resend is called with the fresh slot before it starts forwarding.
func (m *Manager) Switchover(ctx context.Context, failing models.Account, reason models.FailoverReason, resend func(*Slot) error) error {
	m.health.RecordFailure(failing.ID)

	m.mu.Lock()
	switch reason {
	case models.ReasonAccountSuspended:
		// Unusable until externally cleared.
		m.suspended[failing.ID] = true
	case models.ReasonRateLimited:
		m.coolingTo[failing.ID] = m.now().Add(m.cfg.RateLimitCooldown)
	}
	m.mu.Unlock()

	return m.advance(ctx, reason, &failing, resend)
}

// advance walks the hierarchy until a slot connects, resends
// subscriptions and becomes current. On exhaustion the manager enters
// degraded mode and returns ErrHierarchyExhausted.
func (m *Manager) advance(ctx context.Context, reason models.FailoverReason, failing *models.Account, resend func(*Slot) error) error {
	m.mu.Lock()
	old := m.current
	m.current = nil
	m.mu.Unlock()

	fromID := ""
	if failing != nil {
		fromID = failing.ID
	} else if old != nil {
		fromID = old.Account().ID
	}

	// Tear down the failed slot's stream before activating the next.
	if old != nil {
		old.SetForwarding(false)
		old.Close()
	}

	tried := make(map[string]bool)
	if failing != nil {
		tried[failing.ID] = true
	}

	lastBroker := ""
	if failing != nil {
		lastBroker = failing.Broker
	}

	for {
		m.mu.Lock()
		account, ok := m.nextEligible(tried)
		m.mu.Unlock()
		if !ok {
			m.enterDegraded(fromID, reason)
			return feederrors.ErrHierarchyExhausted
		}
		tried[account.ID] = true

		if lastBroker != "" && account.Broker != lastBroker {
			m.record(models.FailoverEvent{
				Timestamp:   m.now(),
				FromAccount: fromID,
				ToAccount:   account.ID,
				Reason:      models.ReasonBrokerExhausted,
			})
		}

		m.mu.Lock()
		slot := m.slotFor(account)
		m.mu.Unlock()
		slot.Reset()

		if err := slot.Connect(ctx); err != nil {
			m.logger.Warn().Err(err).Str("account", account.ID).Msg("Failover candidate failed to connect")
			m.health.RecordFailure(account.ID)
			if feederrors.Is(err, feederrors.ErrAccountSuspended) {
				m.mu.Lock()
				m.suspended[account.ID] = true
				m.mu.Unlock()
			}
			continue
		}

		// No subscription state carries over accounts: clear and
		// resend the full required set before forwarding.
		slot.ClearSubscriptions()
		if resend != nil {
			if err := resend(slot); err != nil {
				m.logger.Warn().Err(err).Str("account", account.ID).Msg("Full resend failed, advancing")
				slot.Close()
				continue
			}
		}
		slot.SetForwarding(true)

		ev := models.FailoverEvent{
			Timestamp:   m.now(),
			FromAccount: fromID,
			ToAccount:   account.ID,
			Reason:      reason,
		}
		if fromID != "" && fromID != account.ID {
			m.record(ev)
			logging.LogFailover(m.logger, ev)
		}

		m.health.RecordSuccess(account.ID)
		m.mu.Lock()
		m.current = slot
		m.degraded = false
		m.mu.Unlock()
		return nil
	}
}

// enterDegraded flags hierarchy exhaustion: no active stream, critical
// alert surfaced, last-known snapshots served stale by the store.
func (m *Manager) enterDegraded(fromID string, reason models.FailoverReason) {
	m.record(models.FailoverEvent{
		Timestamp:   m.now(),
		FromAccount: fromID,
		ToAccount:   "",
		Reason:      models.ReasonHierarchyExhausted,
	})
	m.mu.Lock()
	m.degraded = true
	m.mu.Unlock()
	m.logger.Error().
		Str("reason", string(reason)).
		Msg("Failover hierarchy exhausted, entering degraded mode")
}

// Teardown closes the current slot, leaving all accounts reusable.
// Idempotent: with nothing connected it does nothing.
func (m *Manager) Teardown() {
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()

	if current != nil {
		current.SetForwarding(false)
		current.Close()
		current.Reset()
	}
}

// ClearSuspension re-admits an externally restored account.
func (m *Manager) ClearSuspension(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspended, accountID)
	if s, ok := m.slots[accountID]; ok {
		s.Reset()
	}
}

// record appends to the bounded event ring.
func (m *Manager) record(ev models.FailoverEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[m.next] = ev
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.filled = true
	}
}

// History returns the failover audit trail, oldest first.
func (m *Manager) History() []models.FailoverEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.FailoverEvent
	if m.filled {
		out = append(out, m.events[m.next:]...)
	}
	out = append(out, m.events[:m.next]...)

	trimmed := make([]models.FailoverEvent, 0, len(out))
	for _, ev := range out {
		if !ev.Timestamp.IsZero() {
			trimmed = append(trimmed, ev)
		}
	}
	return trimmed
}
