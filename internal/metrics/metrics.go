// Package metrics tracks the relay pipeline's running counters: frames
// decoded and dropped, callouts fired, and the achieved broadcast rate.
package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Counters holds the pipeline's atomic counters. Zero value is ready to
// use.
type Counters struct {
	framesDecoded atomic.Int64
	framesDropped atomic.Int64
	calloutsFired atomic.Int64
	broadcastSent atomic.Int64
}

// IncFramesDecoded records one successfully decoded datagram.
func (c *Counters) IncFramesDecoded() { c.framesDecoded.Add(1) }

// IncFramesDropped records one datagram rejected or dropped under
// backpressure.
func (c *Counters) IncFramesDropped() { c.framesDropped.Add(1) }

// IncCalloutsFired records one callout the rule engine produced.
func (c *Counters) IncCalloutsFired(n int) { c.calloutsFired.Add(int64(n)) }

// IncBroadcastSent records one throttled client telemetry emission.
func (c *Counters) IncBroadcastSent() { c.broadcastSent.Add(1) }

// Snapshot is the point-in-time counters exposed by /api/metrics.
type Snapshot struct {
	FramesDecoded int64 `json:"framesDecoded"`
	FramesDropped int64 `json:"framesDropped"`
	CalloutsFired int64 `json:"calloutsFired"`
	BroadcastSent int64 `json:"broadcastSent"`
}

// Snapshot reads the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FramesDecoded: c.framesDecoded.Load(),
		FramesDropped: c.framesDropped.Load(),
		CalloutsFired: c.calloutsFired.Load(),
		BroadcastSent: c.broadcastSent.Load(),
	}
}

// Run periodically logs a summary line until ctx is canceled, mirroring
// the relay's other best-effort background loops.
func (c *Counters) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Snapshot()
			slog.Info("metrics",
				"frames_decoded", s.FramesDecoded,
				"frames_dropped", s.FramesDropped,
				"callouts_fired", s.CalloutsFired,
				"broadcast_sent", s.BroadcastSent,
			)
		}
	}
}
