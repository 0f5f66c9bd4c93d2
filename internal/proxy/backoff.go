package proxy

import (
	"math/rand"
	"time"
)

const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
	backoffJitter  = 0.25

	// A connection that lived this long resets the schedule.
	backoffStableAfter = 30 * time.Second
)

// Backoff produces reconnect delays: doubling from 500ms up to 30s, each
// draw jittered by ±25% so a fleet of proxies does not stampede a
// restarted backend.
type Backoff struct {
	current time.Duration
	rng     *rand.Rand
}

func NewBackoff() *Backoff {
	return newBackoff(rand.New(rand.NewSource(time.Now().UnixNano())))
}

func newBackoff(rng *rand.Rand) *Backoff {
	return &Backoff{current: backoffInitial, rng: rng}
}

// Next returns the delay before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	d := b.jitter(b.current)
	b.current *= 2
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	f := 1 - backoffJitter + 2*backoffJitter*b.rng.Float64()
	return time.Duration(float64(d) * f)
}

// ResetIfStable restarts the schedule after a connection that stayed up
// long enough to count as healthy.
func (b *Backoff) ResetIfStable(connected time.Duration) {
	if connected >= backoffStableAfter {
		b.current = backoffInitial
	}
}

func (b *Backoff) Reset() {
	b.current = backoffInitial
}
