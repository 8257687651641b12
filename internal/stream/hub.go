// Package stream distributes option chain snapshots to in-process
// consumers via a fan-out hub.
package stream

import (
	"context"
	"sync"
	"time"

	"chainstream/internal/models"
)

// HubConfig holds configuration for the snapshot hub.
type HubConfig struct {
	// BufferSize is the size of the internal snapshot channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           256,
		SubscriberBufferSize: 16,
	}
}

// Hub fans published snapshots out to subscribers. Each underlying has
// its own subscriber list; a subscriber registered with an empty key
// receives every snapshot. Sends to subscribers never block: a slow
// consumer loses snapshots rather than stalling the pipeline, which is
// safe because every snapshot supersedes the previous one.
type Hub struct {
	config HubConfig

	mu          sync.RWMutex
	subscribers map[string][]*Subscriber
	started     bool
	done        chan struct{}

	snapChan chan models.OptionChainSnapshot

	metricsMu sync.RWMutex
	received  uint64
	delivered uint64
	dropped   uint64
}

// Subscriber is one registered snapshot consumer.
type Subscriber struct {
	ID           string
	Underlying   string // empty = all underlyings
	Channel      chan models.OptionChainSnapshot
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a hub with custom configuration.
func NewHubWithConfig(config HubConfig) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultHubConfig().BufferSize
	}
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	return &Hub{
		config:      config,
		subscribers: make(map[string][]*Subscriber),
		snapChan:    make(chan models.OptionChainSnapshot, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the distribution loop. Idempotent.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case snap := <-h.snapChan:
			h.metricsMu.Lock()
			h.received++
			h.metricsMu.Unlock()
			h.broadcast(snap)
		}
	}
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}
	close(h.done)
	h.started = false

	for key, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, key)
	}
}

// Publish implements the engine's snapshot sink. Non-blocking: if the
// internal buffer is full the snapshot is dropped and counted.
func (h *Hub) Publish(snap models.OptionChainSnapshot) {
	select {
	case h.snapChan <- snap:
	default:
		h.metricsMu.Lock()
		h.dropped++
		h.metricsMu.Unlock()
	}
}

// Subscribe registers a consumer for one underlying's snapshots.
func (h *Hub) Subscribe(underlying string) <-chan models.OptionChainSnapshot {
	return h.SubscribeWithID(underlying, "")
}

// SubscribeAll registers a consumer for every underlying's snapshots.
func (h *Hub) SubscribeAll() <-chan models.OptionChainSnapshot {
	return h.SubscribeWithID("", "")
}

// SubscribeWithID registers a consumer with an explicit ID.
func (h *Hub) SubscribeWithID(underlying, id string) <-chan models.OptionChainSnapshot {
	ch := make(chan models.OptionChainSnapshot, h.config.SubscriberBufferSize)
	sub := &Subscriber{
		ID:         id,
		Underlying: underlying,
		Channel:    ch,
		CreatedAt:  time.Now(),
	}

	h.mu.Lock()
	h.subscribers[underlying] = append(h.subscribers[underlying], sub)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a consumer and closes its channel.
func (h *Hub) Unsubscribe(underlying string, ch <-chan models.OptionChainSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[underlying]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[underlying] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[underlying]) == 0 {
		delete(h.subscribers, underlying)
	}
}

// broadcast delivers a snapshot to its underlying's subscribers and to
// wildcard subscribers. Non-blocking per subscriber.
func (h *Hub) broadcast(snap models.OptionChainSnapshot) {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subscribers[snap.Underlying])+len(h.subscribers[""]))
	targets = append(targets, h.subscribers[snap.Underlying]...)
	targets = append(targets, h.subscribers[""]...)
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.Channel <- snap:
			h.metricsMu.Lock()
			h.delivered++
			h.metricsMu.Unlock()
		default:
			sub.DroppedCount++
			h.metricsMu.Lock()
			h.dropped++
			h.metricsMu.Unlock()
		}
	}
}

// SubscriberCount returns the number of subscribers for an underlying.
func (h *Hub) SubscriberCount(underlying string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[underlying])
}

// TotalSubscriberCount returns the number of subscribers across all keys.
func (h *Hub) TotalSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

// IsStarted reports whether the distribution loop is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}

// HubMetrics contains hub delivery counters.
type HubMetrics struct {
	Received    uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// Metrics returns the hub's delivery counters.
func (h *Hub) Metrics() HubMetrics {
	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()
	return HubMetrics{
		Received:    h.received,
		Delivered:   h.delivered,
		Dropped:     h.dropped,
		Subscribers: h.TotalSubscriberCount(),
	}
}
