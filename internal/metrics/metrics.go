// Package metrics provides lightweight counters for tracking runtime
// statistics of a hostmux session.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one session.
// A nil Collector is safe to use — all methods become no-ops.
type Collector struct {
	channelsActive     atomic.Int64
	channelsTotal      atomic.Int64
	framesIn           atomic.Int64
	framesOut          atomic.Int64
	bytesIn            atomic.Int64
	bytesOut           atomic.Int64
	protocolViolations atomic.Int64
	requestsFailed     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Channel metrics ──────────────────────────────────────────────────

// ChannelOpened increments both the active and total counters.
func (c *Collector) ChannelOpened() {
	if c == nil {
		return
	}
	c.channelsActive.Add(1)
	c.channelsTotal.Add(1)
}

// ChannelClosed decrements the active channel counter.
func (c *Collector) ChannelClosed() {
	if c == nil {
		return
	}
	c.channelsActive.Add(-1)
}

// ActiveChannels returns the current number of registered channels.
func (c *Collector) ActiveChannels() int64 {
	if c == nil {
		return 0
	}
	return c.channelsActive.Load()
}

// TotalChannels returns the lifetime channel count.
func (c *Collector) TotalChannels() int64 {
	if c == nil {
		return 0
	}
	return c.channelsTotal.Load()
}

// ── Frame and byte metrics ───────────────────────────────────────────

// FrameReceived records one inbound frame carrying n payload bytes.
func (c *Collector) FrameReceived(n int64) {
	if c == nil {
		return
	}
	c.framesIn.Add(1)
	c.bytesIn.Add(n)
}

// FrameSent records one outbound frame carrying n payload bytes.
func (c *Collector) FrameSent(n int64) {
	if c == nil {
		return
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(n)
}

// FramesIn returns total inbound frames.
func (c *Collector) FramesIn() int64 {
	if c == nil {
		return 0
	}
	return c.framesIn.Load()
}

// FramesOut returns total outbound frames.
func (c *Collector) FramesOut() int64 {
	if c == nil {
		return 0
	}
	return c.framesOut.Load()
}

// TotalBytesIn returns total inbound payload bytes.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total outbound payload bytes.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Failure metrics ──────────────────────────────────────────────────

// ProtocolViolation records one dropped malformed or misrouted frame.
func (c *Collector) ProtocolViolation() {
	if c == nil {
		return
	}
	c.protocolViolations.Add(1)
}

// ProtocolViolations returns the dropped-frame count.
func (c *Collector) ProtocolViolations() int64 {
	if c == nil {
		return 0
	}
	return c.protocolViolations.Load()
}

// RequestFailed records a remote-reported per-request failure.
func (c *Collector) RequestFailed() {
	if c == nil {
		return
	}
	c.requestsFailed.Add(1)
}

// FailedRequests returns the per-request failure count.
func (c *Collector) FailedRequests() int64 {
	if c == nil {
		return 0
	}
	return c.requestsFailed.Load()
}

// RecordError stores the most recent error for snapshots.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time copy of every metric.
type Snapshot struct {
	UptimeSeconds      float64 `json:"uptime_seconds"`
	ChannelsActive     int64   `json:"channels_active"`
	ChannelsTotal      int64   `json:"channels_total"`
	FramesIn           int64   `json:"frames_in"`
	FramesOut          int64   `json:"frames_out"`
	BytesIn            int64   `json:"bytes_in"`
	BytesOut           int64   `json:"bytes_out"`
	ProtocolViolations int64   `json:"protocol_violations"`
	RequestsFailed     int64   `json:"requests_failed"`
	LastErrorMsg       string  `json:"last_error,omitempty"`
}

// Snapshot returns a consistent copy of the current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	start := c.startTime
	lastMsg := c.lastErrorMsg
	c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds:      time.Since(start).Seconds(),
		ChannelsActive:     c.channelsActive.Load(),
		ChannelsTotal:      c.channelsTotal.Load(),
		FramesIn:           c.framesIn.Load(),
		FramesOut:          c.framesOut.Load(),
		BytesIn:            c.bytesIn.Load(),
		BytesOut:           c.bytesOut.Load(),
		ProtocolViolations: c.protocolViolations.Load(),
		RequestsFailed:     c.requestsFailed.Load(),
		LastErrorMsg:       lastMsg,
	}
}

// JSON renders the snapshot for diagnostics output.
func (c *Collector) JSON() ([]byte, error) {
	return json.MarshalIndent(c.Snapshot(), "", "  ")
}
