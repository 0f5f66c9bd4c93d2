package proxy

import (
	"sync"
	"time"
)

const (
	// HeartbeatInterval is how often the proxy sends a Heartbeat frame.
	HeartbeatInterval = 30 * time.Second

	// heartbeatMisses is how many silent intervals mark a connection dead.
	heartbeatMisses = 3
)

// HeartbeatTracker records inbound traffic so the connection loop can
// notice a dead socket that TCP has not reported yet. Any frame counts,
// not just heartbeat echoes.
type HeartbeatTracker struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewHeartbeatTracker() *HeartbeatTracker {
	return newHeartbeatTracker(time.Now)
}

func newHeartbeatTracker(now func() time.Time) *HeartbeatTracker {
	return &HeartbeatTracker{last: now(), now: now}
}

// Touch records that a frame arrived from the backend.
func (t *HeartbeatTracker) Touch() {
	t.mu.Lock()
	t.last = t.now()
	t.mu.Unlock()
}

// Expired reports whether nothing arrived for three full heartbeat
// intervals.
func (t *HeartbeatTracker) Expired() bool {
	return t.Elapsed() > heartbeatMisses*HeartbeatInterval
}

// Elapsed is the time since the last inbound frame.
func (t *HeartbeatTracker) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Sub(t.last)
}
