package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chainstream/internal/chain"
	feederrors "chainstream/internal/errors"
	"chainstream/internal/models"
	"chainstream/internal/store"
)

// EngineConfig holds engine configuration.
type EngineConfig struct {
	Underlyings []models.Underlying
	Accounts    []models.Account
	BatchSize   int
	ExpiryCount int
	Manager     ManagerConfig
}

// SnapshotSink receives published snapshots in addition to the store,
// e.g. the fan-out hub for push consumers.
type SnapshotSink interface {
	Publish(models.OptionChainSnapshot)
}

// failure is an escalation from a slot, handled on the engine goroutine
// so slot teardown never blocks a receive loop.
type failure struct {
	account models.Account
	reason  models.FailoverReason
	err     error
}

// Engine drives the whole pipeline: it keeps one current slot streaming,
// feeds ticks into the processor, reconciles subscriptions with the
// universe, and runs switchover when slots give up.
type Engine struct {
	cfg       EngineConfig
	quotes    QuoteProvider
	store     *store.ChainStore
	processor *chain.Processor
	manager   *Manager
	logger    zerolog.Logger

	ticks  chan models.Tick
	failCh chan failure

	mu       sync.Mutex
	running  bool
	quoteSet map[string]bool
	expiries map[string][]time.Time // per underlying, for roll-forward
	started  time.Time
}

// NewEngine wires an engine from its collaborators. sinks, if any, get
// every snapshot the store gets.
func NewEngine(cfg EngineConfig, quotes QuoteProvider, dialer Dialer, st *store.ChainStore, logger zerolog.Logger, sinks ...SnapshotSink) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = chain.DefaultBatchSize
	}
	if cfg.ExpiryCount <= 0 {
		cfg.ExpiryCount = 1
	}

	e := &Engine{
		cfg:      cfg,
		quotes:   quotes,
		store:    st,
		logger:   logger,
		ticks:    make(chan models.Tick, 1024),
		failCh:   make(chan failure, 8),
		quoteSet: make(map[string]bool),
		expiries: make(map[string][]time.Time),
	}

	var pub chain.Publisher = st
	if len(sinks) > 0 {
		pub = &fanoutPublisher{store: st, sinks: sinks}
	}
	e.processor = chain.NewProcessor(pub, logger)

	onFail := func(account models.Account, reason models.FailoverReason, err error) {
		select {
		case e.failCh <- failure{account: account, reason: reason, err: err}:
		default:
			logger.Error().Err(err).Str("account", account.ID).Msg("Failure queue full, dropping escalation")
		}
	}
	e.manager = NewManager(cfg.Accounts, dialer, cfg.Manager, e.ticks, onFail, logger)
	return e
}

// fanoutPublisher mirrors store publishes to additional sinks.
type fanoutPublisher struct {
	store *store.ChainStore
	sinks []SnapshotSink
}

func (f *fanoutPublisher) Publish(snap models.OptionChainSnapshot) {
	f.store.Publish(snap)
	for _, s := range f.sinks {
		s.Publish(snap)
	}
}

func (f *fanoutPublisher) PublishDepth(d models.DepthSnapshot) {
	f.store.PublishDepth(d)
}

// Run processes ticks, subscription deltas and failure escalations until
// ctx is cancelled. It must run exactly once.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.started = time.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			e.manager.Teardown()
			return ctx.Err()

		case tick := <-e.ticks:
			e.processor.Ingest(tick)

		case delta := <-e.processor.Deltas():
			e.applyDelta(delta)

		case f := <-e.failCh:
			e.handleFailure(ctx, f)
		}
	}
}

// handleFailure runs the decision matrix for an escalated failure.
func (e *Engine) handleFailure(ctx context.Context, f failure) {
	e.logger.Warn().
		Str("account", f.account.ID).
		Str("reason", string(f.reason)).
		Err(f.err).
		Msg("Slot escalated, running failover")

	err := e.manager.Switchover(ctx, f.account, f.reason, e.resendAll)
	if err != nil {
		if feederrors.Is(err, feederrors.ErrHierarchyExhausted) {
			// Keep serving the last known snapshots, marked stale.
			e.store.SetDegraded(true)
			e.logger.Error().Msg("No usable account remains; serving stale snapshots")
			return
		}
		e.logger.Error().Err(err).Msg("Switchover failed")
		return
	}
	e.store.SetDegraded(false)
}

// Connect ensures a connected current slot. Idempotent; invoked by the
// scheduler ahead of session open.
func (e *Engine) Connect(ctx context.Context) error {
	err := e.manager.Connect(ctx)
	if err != nil {
		if feederrors.Is(err, feederrors.ErrHierarchyExhausted) {
			e.store.SetDegraded(true)
		}
		return err
	}
	e.store.SetDegraded(false)
	return nil
}

// Activate ensures the tracked universes exist and the current slot's
// subscriptions equal the required set. Idempotent: a second call with
// no universe change produces an empty delta and sends nothing.
func (e *Engine) Activate(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}

	for _, u := range e.cfg.Underlyings {
		if e.processor.Tracked(u.Name) {
			e.rollIfExpired(u.Name)
			continue
		}
		if err := e.track(ctx, u); err != nil {
			e.logger.Error().Err(err).Str("underlying", u.Name).Msg("Failed to start tracking")
			return err
		}
	}

	slot := e.manager.Current()
	if slot == nil {
		return feederrors.ErrNotConnected
	}
	return e.reconcile(slot)
}

// track fetches the spot price and nearest expiry for an underlying and
// hands it to the processor.
func (e *Engine) track(ctx context.Context, u models.Underlying) error {
	ltp, err := e.quotes.LastPrice(ctx, u.QuoteSymbol)
	if err != nil {
		return feederrors.Wrapf(err, "fetching spot for %s", u.Name)
	}
	expiries, err := e.quotes.Expiries(ctx, u)
	if err != nil {
		return feederrors.Wrapf(err, "fetching expiries for %s", u.Name)
	}
	if len(expiries) == 0 {
		return feederrors.Wrapf(feederrors.ErrSymbolUnknown, "no expiries for %s", u.Name)
	}

	e.processor.Track(u, expiries[0], ltp)

	keep := e.cfg.ExpiryCount
	if keep > len(expiries) {
		keep = len(expiries)
	}
	e.mu.Lock()
	e.quoteSet[u.QuoteSymbol] = true
	e.expiries[u.Name] = expiries[:keep]
	e.mu.Unlock()
	return nil
}

// rollIfExpired advances an underlying to the next retained expiry once
// the streamed one has passed. The regeneration path emits the
// subscription delta like any universe change.
func (e *Engine) rollIfExpired(underlying string) {
	e.mu.Lock()
	expiries := e.expiries[underlying]
	e.mu.Unlock()

	now := time.Now()
	for len(expiries) > 0 && endOfDay(expiries[0]).Before(now) {
		expiries = expiries[1:]
	}

	e.mu.Lock()
	prev := e.expiries[underlying]
	e.expiries[underlying] = expiries
	e.mu.Unlock()

	if len(expiries) > 0 && len(prev) > 0 && !expiries[0].Equal(prev[0]) {
		e.logger.Info().
			Str("underlying", underlying).
			Time("expiry", expiries[0]).
			Msg("Rolling to next expiry")
		e.processor.Roll(underlying, expiries[0])
	}
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

// reconcile diffs the slot's recorded subscriptions against the
// required set and applies only the delta.
func (e *Engine) reconcile(slot *Slot) error {
	required := e.processor.Required()

	slot.mu.Lock()
	prev := chain.NewSymbolSet(slot.subOrder...)
	slot.mu.Unlock()

	delta := chain.Diff(prev, required)
	if delta.Empty() {
		slot.SetForwarding(true)
		return nil
	}
	if err := e.sendDelta(slot, delta); err != nil {
		return err
	}
	slot.SetForwarding(true)
	return nil
}

// applyDelta pushes an ATM-shift delta to the current slot. Only the
// symbol-level delta is sent, never the full set.
func (e *Engine) applyDelta(delta chain.Delta) {
	slot := e.manager.Current()
	if slot == nil {
		return
	}
	if err := e.sendDelta(slot, delta); err != nil {
		e.logger.Error().Err(err).Msg("Failed to apply subscription delta")
	}
}

func (e *Engine) sendDelta(slot *Slot, delta chain.Delta) error {
	for _, batch := range chain.Batches(delta.Remove, e.cfg.BatchSize) {
		if err := slot.Unsubscribe(batch); err != nil {
			return err
		}
	}

	quotes, depths := e.splitByMode(delta.Add)
	for _, batch := range chain.Batches(quotes, e.cfg.BatchSize) {
		if err := slot.Subscribe(batch, models.TickModeQuote); err != nil {
			return err
		}
	}
	for _, batch := range chain.Batches(depths, e.cfg.BatchSize) {
		if err := slot.Subscribe(batch, models.TickModeDepth); err != nil {
			return err
		}
	}
	return nil
}

// splitByMode separates underlying quote symbols from option symbols.
func (e *Engine) splitByMode(symbols []string) (quotes, depths []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sym := range symbols {
		if e.quoteSet[sym] {
			quotes = append(quotes, sym)
		} else {
			depths = append(depths, sym)
		}
	}
	return quotes, depths
}

// resendAll sends the full required set to a fresh slot during
// switchover. The slot starts forwarding only after this returns nil.
func (e *Engine) resendAll(slot *Slot) error {
	required := e.processor.Required()
	quotes, depths := e.splitByMode(required.Symbols())
	for _, batch := range chain.Batches(quotes, e.cfg.BatchSize) {
		if err := slot.Subscribe(batch, models.TickModeQuote); err != nil {
			return err
		}
	}
	for _, batch := range chain.Batches(depths, e.cfg.BatchSize) {
		if err := slot.Subscribe(batch, models.TickModeDepth); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup tears down streaming after session end. Cached snapshots
// survive for stale reads. Idempotent.
func (e *Engine) Cleanup(ctx context.Context) error {
	e.manager.Teardown()
	return nil
}

// Status is the externally visible engine state.
type Status struct {
	Running            bool
	Degraded           bool
	CurrentAccount     string
	SlotState          SlotState
	SlotLastActivity   time.Time
	TrackedUnderlyings []string
	FailoverHistory    []models.FailoverEvent
	DroppedMalformed   uint64
	DroppedStale       uint64
	DroppedUnknown     uint64
}

// Status reports the current connection, account and failover state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()

	st := Status{
		Running:            running,
		Degraded:           e.manager.Degraded(),
		TrackedUnderlyings: e.processor.TrackedUnderlyings(),
		FailoverHistory:    e.manager.History(),
	}
	st.DroppedMalformed, st.DroppedStale, st.DroppedUnknown = e.processor.DroppedCounts()

	if slot := e.manager.Current(); slot != nil {
		st.CurrentAccount = slot.Account().ID
		st.SlotState = slot.State()
		st.SlotLastActivity = slot.LastActivity()
	} else {
		st.SlotState = StateStandby
	}
	return st
}

// Manager exposes the failover manager for status and tests.
func (e *Engine) Manager() *Manager {
	return e.manager
}

// Processor exposes the depth processor for tests and direct injection.
func (e *Engine) Processor() *chain.Processor {
	return e.processor
}
