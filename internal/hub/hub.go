// Package hub tracks live viewer connections per user and implements the
// bounded outbound queue every socket write goes through.
package hub

import "sync"

type Writer interface {
	Write(message []byte) error
	WriteClose(reason string) error
	Close() error
}

// Connection wraps one WebSocket with a bounded outbound queue drained by a
// single pump goroutine, so producers never block on a slow socket and the
// underlying writer is never used concurrently.
type Connection struct {
	UserID    string
	SessionID string

	writer Writer
	queue  chan []byte
	done   chan struct{}

	closeOnce sync.Once
	reason    string
}

func NewConnection(userID, sessionID string, w Writer, capacity int) *Connection {
	c := &Connection{
		UserID:    userID,
		SessionID: sessionID,
		writer:    w,
		queue:     make(chan []byte, capacity),
		done:      make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *Connection) pump() {
	for {
		select {
		case <-c.done:
			c.drain()
			return
		case msg := <-c.queue:
			if err := c.writer.Write(msg); err != nil {
				c.Close("")
				_ = c.writer.Close()
				return
			}
		}
	}
}

// drain flushes whatever is still queued, then emits the close frame. The
// underlying writer bounds each write with a deadline, so a dead peer
// cannot hold this up for long.
func (c *Connection) drain() {
	for {
		select {
		case msg := <-c.queue:
			if err := c.writer.Write(msg); err != nil {
				_ = c.writer.Close()
				return
			}
		default:
			if c.reason != "" {
				_ = c.writer.WriteClose(c.reason)
			}
			_ = c.writer.Close()
			return
		}
	}
}

// Send enqueues a message. Returns false when the queue is full or the
// connection is closed; the caller decides whether that evicts the peer.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- message:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close shuts the connection down once. A non-empty reason is sent as the
// close frame so the peer can distinguish eviction from normal teardown.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *Connection) Done() <-chan struct{} { return c.done }

// Hub is the per-user registry of live viewer connections, used for
// broadcasts that target a user rather than a session (spend updates,
// shutdown notices).
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.UserID] == nil {
		h.connections[conn.UserID] = make(map[*Connection]struct{})
	}
	h.connections[conn.UserID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.UserID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.UserID)
	}
}

func (h *Hub) Broadcast(userID string, message []byte) {
	h.mu.RLock()
	set := h.connections[userID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if !c.Send(message) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		c.Close("")
		h.Unregister(c)
	}
}

// BroadcastAll sends to every registered connection, regardless of user.
func (h *Hub) BroadcastAll(message []byte) {
	h.mu.RLock()
	var conns []*Connection
	for _, set := range h.connections {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Send(message)
	}
}
