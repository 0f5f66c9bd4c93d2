// Package router owns all per-session state. Every inbound event for a
// session, from either WebSocket endpoint, is posted to that session's
// single actor goroutine, which applies state transitions serially and is
// the only writer of the session's rows.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"agent-portal/internal/hub"
	"agent-portal/internal/protocol"
	"agent-portal/internal/store"
)

type Config struct {
	GraceWindow        time.Duration
	HistoryReplayLimit int
	HoldBufferCap      int
	GapTimeout         time.Duration
	Now                func() time.Time
}

func (c *Config) applyDefaults() {
	if c.GraceWindow <= 0 {
		c.GraceWindow = 5 * time.Minute
	}
	if c.HistoryReplayLimit <= 0 {
		c.HistoryReplayLimit = 10000
	}
	if c.HoldBufferCap <= 0 {
		c.HoldBufferCap = 256
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Registry maps session ids to live actors, spawning and re-hydrating them
// on demand. Lookups take the read lock; only spawn, park, and shutdown
// take the write lock.
type Registry struct {
	store *store.Store
	hub   *hub.Hub
	cfg   Config

	// Bounds concurrent history-replay reads so a reconnect stampede
	// cannot saturate SQLite.
	replaySem *semaphore.Weighted

	mu      sync.RWMutex
	routers map[string]*Router
	closed  bool
	wg      sync.WaitGroup
}

func NewRegistry(st *store.Store, h *hub.Hub, cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		store:     st,
		hub:       h,
		cfg:       cfg,
		replaySem: semaphore.NewWeighted(16),
		routers:   make(map[string]*Router),
	}
}

func (r *Registry) AttachProxy(sessionID string, conn *hub.Connection) {
	r.post(sessionID, evAttachProxy{conn: conn})
}

func (r *Registry) DetachProxy(sessionID string, conn *hub.Connection) {
	r.post(sessionID, evDetachProxy{conn: conn})
}

func (r *Registry) Subscribe(sessionID string, conn *hub.Connection, userID, role string, replayAfter int64) {
	r.post(sessionID, evSubscribe{conn: conn, userID: userID, role: role, replayAfter: replayAfter})
}

func (r *Registry) Unsubscribe(sessionID string, conn *hub.Connection) {
	r.post(sessionID, evUnsubscribe{conn: conn})
}

func (r *Registry) ProxyFrame(sessionID string, conn *hub.Connection, frame protocol.Frame) {
	r.post(sessionID, evProxyFrame{conn: conn, frame: frame})
}

func (r *Registry) ViewerFrame(sessionID string, conn *hub.Connection, userID, role string, frame protocol.Frame) {
	r.post(sessionID, evViewerFrame{conn: conn, userID: userID, role: role, frame: frame})
}

// CloseSession tears down the session's live actor if one exists, closing
// its sockets. Used when the session row is deleted out from under it.
func (r *Registry) CloseSession(sessionID, reason string) {
	r.mu.RLock()
	rt, ok := r.routers[sessionID]
	if ok {
		rt.posting.Add(1)
	}
	r.mu.RUnlock()
	if !ok {
		return
	}
	rt.deliver(evShutdown{reason: reason})
	rt.posting.Add(-1)
}

// Shutdown notifies every live session and waits for the actors to exit.
// New posts are rejected once it begins.
func (r *Registry) Shutdown(reason string, reconnectDelay time.Duration) {
	r.mu.Lock()
	r.closed = true
	routers := make([]*Router, 0, len(r.routers))
	for _, rt := range r.routers {
		routers = append(routers, rt)
	}
	r.mu.Unlock()

	ev := evShutdown{reason: reason, delayMS: reconnectDelay.Milliseconds()}
	for _, rt := range routers {
		rt.deliver(ev)
	}
	r.wg.Wait()
}

// post hands ev to the session's actor, spawning one when none is live.
// The mailbox send happens outside the registry lock, so one session's
// full mailbox stalls only its own posters, never lookups for other
// sessions. An actor that exits before accepting (crash, session close)
// gets the event re-posted to a fresh one.
func (r *Registry) post(sessionID string, ev event) {
	for {
		rt := r.lease(sessionID)
		if rt == nil {
			return
		}
		delivered := rt.deliver(ev)
		rt.posting.Add(-1)
		if delivered {
			return
		}
	}
}

// lease returns the session's live actor with its posting count raised,
// spawning one if needed. The raised count keeps park from removing the
// actor before the caller's send lands. Nil once the registry is closed.
func (r *Registry) lease(sessionID string) *Router {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil
	}
	if rt, ok := r.routers[sessionID]; ok {
		rt.posting.Add(1)
		r.mu.RUnlock()
		return rt
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	rt, ok := r.routers[sessionID]
	if !ok {
		rt = newRouter(r, sessionID)
		r.routers[sessionID] = rt
		r.wg.Add(1)
		go rt.run()
	}
	rt.posting.Add(1)
	return rt
}

// park removes an idle actor. Fails when an event raced in or a poster
// still holds a lease, in which case the actor keeps running to drain it.
// Leases are taken under the lock park holds, so a zero count here means
// nobody can be about to send.
func (r *Registry) park(rt *Router) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt.posting.Load() > 0 || len(rt.mailbox) > 0 {
		return false
	}
	delete(r.routers, rt.sessionID)
	return true
}

// remove unconditionally drops the actor, used on shutdown and panic.
func (r *Registry) remove(rt *Router) {
	r.mu.Lock()
	delete(r.routers, rt.sessionID)
	r.mu.Unlock()
}

func (r *Registry) acquireReplaySlot() func() {
	_ = r.replaySem.Acquire(context.Background(), 1)
	return func() { r.replaySem.Release(1) }
}

func (r *Registry) nowMillis() int64 {
	return r.cfg.Now().UnixMilli()
}

func marshalFrame(frame any) []byte {
	data, _ := json.Marshal(frame)
	return data
}
