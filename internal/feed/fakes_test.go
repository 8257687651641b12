package feed

import (
	"context"
	"sync"
	"time"

	"chainstream/internal/models"
)

// fakeStream is a scripted Stream for tests. Events are injected through
// the exported channel; Close never closes the events channel so the
// receive loop always exits via cancellation.
type fakeStream struct {
	mu       sync.Mutex
	events   chan Event
	subs     map[string]models.TickMode
	subCalls [][]string
	unsubs   [][]string
	subErrs  []error
	closed   bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan Event, 64),
		subs:   make(map[string]models.TickMode),
	}
}

// rejectSubscribes queues errors returned by the next Subscribe calls,
// one per call, before accepting again.
func (f *fakeStream) rejectSubscribes(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subErrs = append(f.subErrs, errs...)
}

func (f *fakeStream) Subscribe(symbols []string, mode models.TickMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subErrs) > 0 {
		err := f.subErrs[0]
		f.subErrs = f.subErrs[1:]
		return err
	}
	batch := make([]string, len(symbols))
	copy(batch, symbols)
	f.subCalls = append(f.subCalls, batch)
	for _, s := range symbols {
		f.subs[s] = mode
	}
	return nil
}

func (f *fakeStream) Unsubscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]string, len(symbols))
	copy(batch, symbols)
	f.unsubs = append(f.unsubs, batch)
	for _, s := range symbols {
		delete(f.subs, s)
	}
	return nil
}

func (f *fakeStream) Events() <-chan Event { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subCalls)
}

func (f *fakeStream) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for s := range f.subs {
		out = append(out, s)
	}
	return out
}

// fakeDialer scripts per-account dial outcomes and keeps every stream it
// handed out.
type fakeDialer struct {
	mu       sync.Mutex
	errs     map[string]error
	dials    map[string]int
	streams  map[string][]*fakeStream
	nextSubs map[string][]error // queued Subscribe rejections for the next dialed stream
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		errs:     make(map[string]error),
		dials:    make(map[string]int),
		streams:  make(map[string][]*fakeStream),
		nextSubs: make(map[string][]error),
	}
}

func (d *fakeDialer) failWith(accountID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[accountID] = err
}

// rejectNextSubscribes arms the next stream dialed for an account to
// reject that many Subscribe calls.
func (d *fakeDialer) rejectNextSubscribes(accountID string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSubs[accountID] = append(d.nextSubs[accountID], errs...)
}

func (d *fakeDialer) Dial(ctx context.Context, account models.Account) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[account.ID]++
	if err := d.errs[account.ID]; err != nil {
		return nil, err
	}
	s := newFakeStream()
	if errs := d.nextSubs[account.ID]; len(errs) > 0 {
		s.rejectSubscribes(errs...)
		delete(d.nextSubs, account.ID)
	}
	d.streams[account.ID] = append(d.streams[account.ID], s)
	return s, nil
}

func (d *fakeDialer) dialCount(accountID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[accountID]
}

func (d *fakeDialer) lastStream(accountID string) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	streams := d.streams[accountID]
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

// fastSlotConfig keeps reconnect delays negligible in tests.
func fastSlotConfig() SlotConfig {
	return SlotConfig{
		HeartbeatInterval: time.Minute,
		ConnectTimeout:    time.Second,
		BackoffBase:       time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		MaxRetries:        3,
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func testAccounts() []models.Account {
	return []models.Account{
		{ID: "primary", Broker: "zerodha", IsPrimary: true, IsActive: true, HealthScore: 1.0},
		{ID: "backup1", Broker: "zerodha", IsActive: true, HealthScore: 0.9},
		{ID: "backup2", Broker: "fyers", IsActive: true, HealthScore: 0.8},
	}
}
