// Package fanout rate-limits the validated telemetry stream for client
// broadcast while forwarding every frame, unthrottled, to the analyzer and
// the session logger.
package fanout

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/marcelscruz/open-gt/internal/protocol"
)

// Circuit breaker constants for per-client send health. A client stuck
// behind a slow network connection stops absorbing fan-out effort once it
// has failed this many consecutive sends, and is probed periodically for
// recovery rather than retried every tick.
const (
	circuitBreakerThreshold     uint32 = 30
	circuitBreakerProbeInterval uint32 = 15
)

// sendHealth is a lightweight per-client circuit breaker.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *sendHealth) recordFailure() uint32 {
	return h.failures.Add(1)
}

func (h *sendHealth) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= circuitBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

// Subscriber is any sink that can receive a throttled telemetry frame.
// internal/ws.Handler implements this for websocket clients.
type Subscriber interface {
	SendTelemetry(protocol.Frame) error
}

type subscriberEntry struct {
	id   string
	sink Subscriber
	h    *sendHealth
}

// Fanout forwards every validated frame to unconditional consumers
// (analyzer, logger) and to subscribed clients at a bounded rate.
type Fanout struct {
	broadcastHz int
	limiter     *rate.Limiter

	mu          sync.RWMutex
	subscribers map[string]*subscriberEntry

	unconditional []func(protocol.Frame)
}

// New builds a Fanout targeting broadcastHz client emissions per second.
func New(broadcastHz int) *Fanout {
	if broadcastHz <= 0 {
		broadcastHz = protocol.DefaultBroadcastHz
	}
	return &Fanout{
		broadcastHz: broadcastHz,
		limiter:     rate.NewLimiter(rate.Limit(broadcastHz), 1),
		subscribers: make(map[string]*subscriberEntry),
	}
}

// OnFrame registers a consumer that receives every frame unconditionally,
// regardless of the broadcast throttle (the analyzer and session logger).
func (f *Fanout) OnFrame(fn func(protocol.Frame)) {
	f.unconditional = append(f.unconditional, fn)
}

// Subscribe registers a throttled client sink.
func (f *Fanout) Subscribe(id string, sink Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[id] = &subscriberEntry{id: id, sink: sink, h: &sendHealth{}}
}

// Unsubscribe removes a client sink.
func (f *Fanout) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribers, id)
}

// Deliver is called once per decoded frame. It always fans out to
// unconditional consumers, then emits to subscribers only if the shared
// broadcast-rate token bucket allows it. The throttle is shared across
// all subscribers, not per-client.
func (f *Fanout) Deliver(frame protocol.Frame) {
	for _, fn := range f.unconditional {
		fn(frame)
	}

	if !f.limiter.Allow() {
		return
	}

	f.mu.RLock()
	entries := make([]*subscriberEntry, 0, len(f.subscribers))
	for _, e := range f.subscribers {
		entries = append(entries, e)
	}
	f.mu.RUnlock()

	for _, e := range entries {
		if e.h.shouldSkip() {
			continue
		}
		if err := e.sink.SendTelemetry(frame); err != nil {
			n := e.h.recordFailure()
			if n == circuitBreakerThreshold {
				slog.Warn("fanout circuit breaker open", "client_id", e.id, "failures", n)
			}
		} else if e.h.failures.Load() > 0 {
			if e.h.recordSuccess() {
				slog.Info("fanout circuit breaker closed", "client_id", e.id)
			}
		}
	}
}

// SubscriberCount reports the current number of subscribed clients.
func (f *Fanout) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
