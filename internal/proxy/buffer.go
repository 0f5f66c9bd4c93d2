// Package proxy implements the developer-machine side of the portal: it
// owns the agent process, assigns sequence numbers to its outputs, and
// runs a reconnect loop against the backend with at-least-once delivery
// in both directions.
package proxy

import "time"

// DefaultBufferCapacity bounds the unacknowledged output buffer.
const DefaultBufferCapacity = 10000

// repeatedAckWindow bounds how far apart duplicate acks may arrive and
// still count toward a retransmit request.
const repeatedAckWindow = 30 * time.Second

// Entry is one output awaiting acknowledgment.
type Entry struct {
	Seq     uint64
	Content string
}

// OutputBuffer assigns sequence numbers to agent outputs and holds them
// until the backend acknowledges receipt. Seq starts at 1; 0 is reserved
// to mean "nothing acknowledged". The buffer never drops entries: callers
// check Full before pushing and stall the producer instead.
//
// Not safe for concurrent use; the connection loop is the single owner.
type OutputBuffer struct {
	entries  []Entry
	nextSeq  uint64
	lastAck  uint64
	capacity int
}

func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &OutputBuffer{nextSeq: 1, capacity: capacity}
}

// Push appends one output and returns its sequence number.
func (b *OutputBuffer) Push(content string) uint64 {
	seq := b.nextSeq
	b.nextSeq++
	b.entries = append(b.entries, Entry{Seq: seq, Content: content})
	return seq
}

// Ack drops every entry with seq <= ackSeq and returns how many were
// dropped. Stale acks (<= the last one applied) are ignored.
func (b *OutputBuffer) Ack(ackSeq uint64) int {
	if ackSeq <= b.lastAck {
		return 0
	}
	b.lastAck = ackSeq

	kept := b.entries[:0]
	for _, entry := range b.entries {
		if entry.Seq > ackSeq {
			kept = append(kept, entry)
		}
	}
	dropped := len(b.entries) - len(kept)
	b.entries = kept
	return dropped
}

// Pending returns a copy of every unacknowledged entry in seq order.
func (b *OutputBuffer) Pending() []Entry {
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *OutputBuffer) Len() int { return len(b.entries) }

// Full reports whether the buffer reached capacity. The engine stops
// reading agent output while Full, which backs pressure up the stdout
// pipe into the agent process.
func (b *OutputBuffer) Full() bool { return len(b.entries) >= b.capacity }

func (b *OutputBuffer) LastAck() uint64 { return b.lastAck }

func (b *OutputBuffer) NextSeq() uint64 { return b.nextSeq }

// AckWatch detects the backend asking for a retransmit by repeating a
// cumulative ack: the third receipt of the same ack_seq within the window
// means everything above it should be sent again.
type AckWatch struct {
	seq   uint64
	count int
	last  time.Time
}

// Observe records one OutputAck and reports whether a retransmit is due.
func (w *AckWatch) Observe(ackSeq uint64, now time.Time) bool {
	if w.count == 0 || ackSeq != w.seq || now.Sub(w.last) > repeatedAckWindow {
		w.seq = ackSeq
		w.count = 1
		w.last = now
		return false
	}
	w.count++
	w.last = now
	if w.count >= 3 {
		w.count = 0
		return true
	}
	return false
}
