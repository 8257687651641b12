package chain

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chainstream/internal/models"
)

// Publisher receives atomically-published chain snapshots and per-symbol
// depth snapshots. Implemented by the option chain store.
type Publisher interface {
	Publish(models.OptionChainSnapshot)
	PublishDepth(models.DepthSnapshot)
}

// contractRef locates a contract inside its owning track.
type contractRef struct {
	track    *track
	contract models.OptionContract
}

// track is the mutable per-underlying state owned by the processor.
type track struct {
	underlying models.Underlying
	universe   *Universe
	ltp        float64
	volume     int64
	lastQuote  time.Time
	depth      map[string]models.DepthSnapshot
}

// Processor normalizes raw ticks into typed snapshots. Quote ticks move
// the underlying LTP and may shift the ATM; depth ticks update exactly
// one symbol. Each logical change produces one store publish.
type Processor struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	pub      Publisher
	tracks   map[string]*track // by underlying name
	byQuote  map[string]*track // by quote symbol
	byOption map[string]contractRef

	deltas chan Delta

	malformed uint64 // dropped: failed validation
	stale     uint64 // dropped: older than stored snapshot
	unknown   uint64 // dropped: symbol not tracked
}

// NewProcessor creates a processor publishing into pub.
func NewProcessor(pub Publisher, logger zerolog.Logger) *Processor {
	return &Processor{
		logger:   logger,
		pub:      pub,
		tracks:   make(map[string]*track),
		byQuote:  make(map[string]*track),
		byOption: make(map[string]contractRef),
		deltas:   make(chan Delta, 32),
	}
}

// Deltas returns the channel of subscription deltas emitted on ATM
// shifts and expiry rolls.
func (p *Processor) Deltas() <-chan Delta {
	return p.deltas
}

// Track starts tracking an underlying at the given expiry and spot LTP,
// building its initial universe and publishing an empty-depth snapshot.
func (p *Processor) Track(u models.Underlying, expiry time.Time, ltp float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tracks[u.Name]; ok {
		return
	}

	t := &track{
		underlying: u,
		universe:   NewUniverse(u, expiry, ltp),
		ltp:        ltp,
		lastQuote:  time.Now(),
		depth:      make(map[string]models.DepthSnapshot),
	}
	p.tracks[u.Name] = t
	p.byQuote[u.QuoteSymbol] = t
	p.indexContracts(t)
	p.pub.Publish(p.buildSnapshot(t))

	p.logger.Info().
		Str("underlying", u.Name).
		Float64("atm", t.universe.ATM).
		Time("expiry", expiry).
		Msg("Tracking underlying")
}

// Roll moves an underlying to a new expiry, regenerating the universe
// and emitting the resulting subscription delta.
func (p *Processor) Roll(underlying string, expiry time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tracks[underlying]
	if !ok {
		return
	}
	prev := NewSymbolSet(t.universe.Symbols()...)
	t.universe.Roll(expiry)
	p.rebuild(t, prev)
}

// IngestRaw validates a wire tick and ingests it. Malformed ticks are
// dropped and counted, never propagated.
func (p *Processor) IngestRaw(r models.RawTick) {
	tick, ok := r.Normalize()
	if !ok {
		p.mu.Lock()
		p.malformed++
		p.mu.Unlock()
		p.logger.Debug().Str("symbol", r.Symbol).Str("mode", string(r.Mode)).Msg("Dropped malformed tick")
		return
	}
	p.Ingest(tick)
}

// Ingest dispatches a validated tick on its mode.
func (p *Processor) Ingest(tick models.Tick) {
	switch t := tick.(type) {
	case models.QuoteTick:
		p.ingestQuote(t)
	case models.DepthTick:
		p.ingestDepth(t)
	default:
		p.mu.Lock()
		p.malformed++
		p.mu.Unlock()
	}
}

func (p *Processor) ingestQuote(tick models.QuoteTick) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.byQuote[tick.Symbol]
	if !ok {
		p.unknown++
		return
	}
	if tick.Timestamp.Before(t.lastQuote) {
		p.stale++
		return
	}

	t.ltp = tick.LTP
	t.volume = tick.Volume
	t.lastQuote = tick.Timestamp

	prev := NewSymbolSet(t.universe.Symbols()...)
	if t.universe.Rebase(tick.LTP) {
		p.logger.Info().
			Str("underlying", t.underlying.Name).
			Float64("ltp", tick.LTP).
			Float64("atm", t.universe.ATM).
			Msg("ATM shifted, universe regenerated")
		p.rebuild(t, prev)
		return
	}
	p.pub.Publish(p.buildSnapshot(t))
}

func (p *Processor) ingestDepth(tick models.DepthTick) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref, ok := p.byOption[tick.Symbol]
	if !ok {
		p.unknown++
		return
	}
	t := ref.track

	// Last-writer-wins on the source timestamp.
	if existing, ok := t.depth[tick.Symbol]; ok && tick.Timestamp.Before(existing.Timestamp) {
		p.stale++
		return
	}

	t.depth[tick.Symbol] = normalizeDepth(tick)
	snap := p.buildSnapshot(t)
	p.pub.PublishDepth(t.depth[tick.Symbol])
	p.pub.Publish(snap)
}

// normalizeDepth converts a depth tick to a snapshot. Top of book is the
// first level on each side; spread is 0 when either side is empty.
func normalizeDepth(tick models.DepthTick) models.DepthSnapshot {
	snap := models.DepthSnapshot{
		Symbol:    tick.Symbol,
		LTP:       tick.LTP,
		Volume:    tick.Volume,
		OI:        tick.OI,
		Timestamp: tick.Timestamp,
	}
	if len(tick.Bids) > 0 {
		snap.BidPrice = tick.Bids[0].Price
		snap.BidQuantity = tick.Bids[0].Quantity
	}
	if len(tick.Asks) > 0 {
		snap.AskPrice = tick.Asks[0].Price
		snap.AskQuantity = tick.Asks[0].Quantity
	}
	if len(tick.Bids) > 0 && len(tick.Asks) > 0 {
		snap.Spread = snap.AskPrice - snap.BidPrice
		if tick.LTP > 0 {
			snap.SpreadPercent = snap.Spread / tick.LTP * 100
		}
	}
	return snap
}

// rebuild re-indexes a track after universe regeneration, prunes depth
// for dropped symbols, emits the subscription delta and publishes the
// fresh snapshot. Caller holds p.mu.
func (p *Processor) rebuild(t *track, prev *SymbolSet) {
	required := NewSymbolSet(t.universe.Symbols()...)
	delta := Diff(prev, required)

	for _, sym := range delta.Remove {
		delete(t.depth, sym)
		delete(p.byOption, sym)
	}
	p.indexContracts(t)
	p.pub.Publish(p.buildSnapshot(t))

	if delta.Empty() {
		return
	}
	select {
	case p.deltas <- delta:
	default:
		// Engine reconciles from Required() on the next activate pass.
		p.logger.Warn().
			Str("underlying", t.underlying.Name).
			Int("add", len(delta.Add)).
			Int("remove", len(delta.Remove)).
			Msg("Delta channel full, dropping delta")
	}
}

func (p *Processor) indexContracts(t *track) {
	for _, c := range t.universe.Contracts {
		p.byOption[c.Symbol] = contractRef{track: t, contract: c}
	}
}

// buildSnapshot assembles the immutable chain snapshot for a track.
// Caller holds p.mu.
func (p *Processor) buildSnapshot(t *track) models.OptionChainSnapshot {
	snap := models.OptionChainSnapshot{
		Underlying: t.underlying.Name,
		SpotLTP:    t.ltp,
		ATMStrike:  t.universe.ATM,
		Expiry:     t.universe.Expiry,
		Rows:       make([]models.ChainRow, 0, LadderSize),
		UpdatedAt:  time.Now(),
	}

	for _, s := range t.universe.Strikes {
		row := models.ChainRow{Tag: s.Tag, Strike: s.Level}
		ce := OptionSymbol(t.underlying.BaseSymbol, t.universe.Expiry, s.Level, models.SideCall)
		pe := OptionSymbol(t.underlying.BaseSymbol, t.universe.Expiry, s.Level, models.SidePut)
		if d, ok := t.depth[ce]; ok {
			copied := d
			row.Call = &copied
			snap.TotalCallVolume += d.Volume
			snap.TotalCallOI += d.OI
		}
		if d, ok := t.depth[pe]; ok {
			copied := d
			row.Put = &copied
			snap.TotalPutVolume += d.Volume
			snap.TotalPutOI += d.OI
		}
		snap.Rows = append(snap.Rows, row)
	}

	if snap.TotalCallOI > 0 {
		snap.PutCallRatio = float64(snap.TotalPutOI) / float64(snap.TotalCallOI)
	}
	return snap
}

// Required returns the full required symbol set: underlying quote
// symbols plus all current option symbols, in deterministic order.
func (p *Processor) Required() *SymbolSet {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := NewSymbolSet()
	for _, u := range p.orderedTracks() {
		set.Add(u.underlying.QuoteSymbol)
	}
	for _, u := range p.orderedTracks() {
		set.Add(u.universe.Symbols()...)
	}
	return set
}

// QuoteSymbols returns the quote symbols of all tracked underlyings.
func (p *Processor) QuoteSymbols() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.tracks))
	for _, t := range p.orderedTracks() {
		out = append(out, t.underlying.QuoteSymbol)
	}
	return out
}

// orderedTracks returns tracks in underlying-name order for
// deterministic iteration. Caller holds p.mu.
func (p *Processor) orderedTracks() []*track {
	names := make([]string, 0, len(p.tracks))
	for name := range p.tracks {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*track, 0, len(names))
	for _, name := range names {
		out = append(out, p.tracks[name])
	}
	return out
}

// Tracked reports whether an underlying is being tracked.
func (p *Processor) Tracked(underlying string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracks[underlying]
	return ok
}

// TrackedUnderlyings returns tracked underlying names in order.
func (p *Processor) TrackedUnderlyings() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.tracks))
	for name := range p.tracks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DroppedCounts returns the malformed, stale and unknown drop counters.
func (p *Processor) DroppedCounts() (malformed, stale, unknown uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.malformed, p.stale, p.unknown
}
