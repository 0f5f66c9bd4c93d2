package router

import (
	"encoding/json"
	"errors"
	"log"
	"runtime"
	"sync/atomic"
	"time"

	"agent-portal/internal/hub"
	"agent-portal/internal/model"
	"agent-portal/internal/protocol"
	"agent-portal/internal/store"
)

type event interface{}

type evAttachProxy struct {
	conn *hub.Connection
}

type evDetachProxy struct {
	conn *hub.Connection
}

type evSubscribe struct {
	conn        *hub.Connection
	userID      string
	role        string
	replayAfter int64
}

type evUnsubscribe struct {
	conn *hub.Connection
}

type evProxyFrame struct {
	conn  *hub.Connection
	frame protocol.Frame
}

type evViewerFrame struct {
	conn   *hub.Connection
	userID string
	role   string
	frame  protocol.Frame
}

type evGraceExpired struct {
	gen int
}

type evGapTimeout struct {
	gen int
}

type evShutdown struct {
	reason  string
	delayMS int64
}

type viewerInfo struct {
	userID string
	role   string
}

// Router is the per-session actor. All fields below mailbox are owned by
// the run goroutine and never touched from outside it.
type Router struct {
	sessionID string
	reg       *Registry
	mailbox   chan event

	// posting counts leases held by senders that have not finished their
	// mailbox send yet; park fails while it is nonzero. done is closed
	// when the run goroutine exits, unblocking senders stuck on a full
	// mailbox nobody will drain.
	posting atomic.Int32
	done    chan struct{}

	sess    model.Session
	proxy   *hub.Connection
	viewers map[*hub.Connection]viewerInfo

	lastAckSeq uint64
	hold       map[uint64]*protocol.SequencedOutput

	graceGen   int
	graceTimer *time.Timer
	gapGen     int
	gapTimer   *time.Timer
}

func newRouter(reg *Registry, sessionID string) *Router {
	return &Router{
		sessionID: sessionID,
		reg:       reg,
		mailbox:   make(chan event, 1024),
		done:      make(chan struct{}),
		viewers:   make(map[*hub.Connection]viewerInfo),
		hold:      make(map[uint64]*protocol.SequencedOutput),
	}
}

func (rt *Router) run() {
	defer rt.reg.wg.Done()
	defer close(rt.done)
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("session %s: router panic: %v", rt.sessionID, rec)
			rt.reg.remove(rt)
			rt.stopTimers()
			if rt.proxy != nil {
				rt.proxy.Close("")
			}
			for conn := range rt.viewers {
				conn.Close("")
			}
			// Best effort. The session must not stay active with nobody
			// driving it.
			_ = rt.reg.store.UpdateSessionStatus(rt.sessionID, protocol.StatusInactive, rt.reg.nowMillis())
		}
	}()

	for ev := range rt.mailbox {
		if rt.handle(ev) {
			return
		}
	}
}

// deliver blocks until the mailbox accepts the event or the actor has
// exited, in which case the event was not consumed and deliver reports
// false. Never called from the run goroutine itself.
func (rt *Router) deliver(ev event) bool {
	select {
	case rt.mailbox <- ev:
		return true
	case <-rt.done:
		return false
	}
}

// handle applies one event. Returns true when the actor should exit.
func (rt *Router) handle(ev event) bool {
	switch ev := ev.(type) {
	case evAttachProxy:
		rt.attachProxy(ev.conn)
	case evDetachProxy:
		rt.detachProxy(ev.conn)
	case evSubscribe:
		rt.subscribe(ev)
	case evUnsubscribe:
		rt.unsubscribe(ev.conn)
	case evProxyFrame:
		rt.handleProxyFrame(ev.conn, ev.frame)
	case evViewerFrame:
		rt.handleViewerFrame(ev.conn, ev.userID, ev.role, ev.frame)
	case evGraceExpired:
		rt.graceExpired(ev.gen)
	case evGapTimeout:
		rt.gapExpired(ev.gen)
	case evShutdown:
		rt.shutdown(ev)
		return true
	}
	return rt.maybePark()
}

// hydrate loads persisted session state. Called lazily on the first event
// that needs it; a parked and re-spawned actor picks up exactly where the
// store says it left off.
func (rt *Router) hydrate() error {
	err := withRetry(func() error {
		sess, err := rt.reg.store.GetSession(rt.sessionID)
		if err != nil {
			return err
		}
		rt.sess = sess
		return nil
	})
	if err != nil {
		return err
	}
	return withRetry(func() error {
		seq, err := rt.reg.store.LastOutputSeq(rt.sessionID)
		if err != nil {
			return err
		}
		rt.lastAckSeq = seq
		return nil
	})
}

func (rt *Router) attachProxy(conn *hub.Connection) {
	if err := rt.hydrate(); err != nil {
		log.Printf("session %s: hydrate failed: %v", rt.sessionID, err)
		conn.Close("")
		return
	}
	if rt.proxy != nil && rt.proxy != conn {
		rt.proxy.Close("replaced")
	}
	rt.proxy = conn
	rt.stopGraceTimer()
	rt.clearHold()
	rt.setStatus(protocol.StatusActive)

	conn.Send(marshalFrame(protocol.RegisterAck{
		Type:      protocol.TypeRegisterAck,
		Success:   true,
		SessionID: rt.sessionID,
	}))
	rt.replayPendingInputs(conn)
}

// replayPendingInputs re-emits every input the agent has not acknowledged,
// in order. Duplicates on the proxy side are resolved by seq.
func (rt *Router) replayPendingInputs(conn *hub.Connection) {
	var pending []model.PendingInput
	err := withRetry(func() error {
		var err error
		pending, err = rt.reg.store.LoadPendingInputs(rt.sessionID)
		return err
	})
	if err != nil {
		log.Printf("session %s: load pending inputs: %v", rt.sessionID, err)
		conn.Close("")
		return
	}
	for _, p := range pending {
		conn.Send(marshalFrame(protocol.SequencedInput{
			Type:      protocol.TypeSequencedInput,
			SessionID: rt.sessionID,
			Seq:       p.SeqNum,
			Content:   p.Content,
			SendMode:  p.SendMode,
		}))
	}
}

func (rt *Router) detachProxy(conn *hub.Connection) {
	if rt.proxy == nil || rt.proxy != conn {
		return
	}
	rt.proxy = nil
	rt.clearHold()
	rt.setStatus(protocol.StatusDisconnected)
	rt.startGraceTimer()
}

func (rt *Router) subscribe(ev evSubscribe) {
	if err := rt.hydrate(); err != nil {
		log.Printf("session %s: hydrate failed: %v", rt.sessionID, err)
		ev.conn.Close("")
		return
	}
	rt.replayHistory(ev.conn, ev.replayAfter)
	rt.replayPermission(ev.conn)
	rt.viewers[ev.conn] = viewerInfo{userID: ev.userID, role: ev.role}
}

func (rt *Router) replayHistory(conn *hub.Connection, after int64) {
	release := rt.reg.acquireReplaySlot()
	msgs, err := rt.reg.store.ReadMessagesAfter(rt.sessionID, after, rt.reg.cfg.HistoryReplayLimit)
	release()
	if err != nil {
		log.Printf("session %s: history replay: %v", rt.sessionID, err)
		conn.Close("")
		return
	}
	batch := protocol.HistoryBatch{
		Type:     protocol.TypeHistoryBatch,
		Messages: make([]protocol.HistoryMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		batch.Messages = append(batch.Messages, protocol.HistoryMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339Nano),
		})
	}
	conn.Send(marshalFrame(batch))
}

func (rt *Router) replayPermission(conn *hub.Connection) {
	perm, err := rt.reg.store.GetPendingPermission(rt.sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("session %s: pending permission: %v", rt.sessionID, err)
		}
		return
	}
	req := protocol.PermissionRequest{
		Type:      protocol.TypePermissionRequest,
		RequestID: perm.RequestID,
		ToolName:  perm.ToolName,
		Input:     json.RawMessage(perm.Input),
	}
	if perm.Suggestions != nil {
		req.PermissionSuggestions = json.RawMessage(*perm.Suggestions)
	}
	conn.Send(marshalFrame(req))
}

func (rt *Router) unsubscribe(conn *hub.Connection) {
	delete(rt.viewers, conn)
}

func (rt *Router) graceExpired(gen int) {
	if gen != rt.graceGen {
		return
	}
	rt.graceTimer = nil
	if rt.proxy != nil || rt.sess.Status != protocol.StatusDisconnected {
		return
	}
	rt.setStatus(protocol.StatusInactive)
}

func (rt *Router) shutdown(ev evShutdown) {
	frame := marshalFrame(protocol.ServerShutdown{
		Type:             protocol.TypeServerShutdown,
		Reason:           ev.reason,
		ReconnectDelayMS: ev.delayMS,
	})
	if rt.proxy != nil {
		rt.proxy.Send(frame)
		rt.proxy.Close("")
	}
	for conn := range rt.viewers {
		conn.Send(frame)
		conn.Close("")
	}
	rt.stopTimers()
	rt.reg.remove(rt)
}

// maybePark exits the actor when nothing references it: no proxy, no
// viewers, and no timer that would post back. The registry re-spawns on
// the next event.
func (rt *Router) maybePark() bool {
	if rt.proxy != nil || len(rt.viewers) > 0 {
		return false
	}
	if rt.graceTimer != nil || rt.gapTimer != nil {
		return false
	}
	for {
		if rt.reg.park(rt) {
			return true
		}
		if len(rt.mailbox) > 0 {
			// An event raced in; go handle it.
			return false
		}
		// A poster still holds a lease for an event that already landed
		// and was handled. The lease clears as soon as its send returns.
		runtime.Gosched()
	}
}

func (rt *Router) setStatus(status string) {
	if rt.sess.Status == status {
		return
	}
	rt.sess.Status = status
	err := withRetry(func() error {
		return rt.reg.store.UpdateSessionStatus(rt.sessionID, status, rt.reg.nowMillis())
	})
	if err != nil {
		log.Printf("session %s: persist status %s: %v", rt.sessionID, status, err)
	}
	rt.broadcastViewers(marshalFrame(protocol.SessionStatus{
		Type:   protocol.TypeSessionStatus,
		Status: status,
	}))
}

func (rt *Router) broadcastViewers(data []byte) {
	for conn := range rt.viewers {
		if !conn.Send(data) {
			conn.Close("slow-consumer")
			delete(rt.viewers, conn)
		}
	}
}

func (rt *Router) sendToProxy(data []byte) {
	if rt.proxy == nil {
		return
	}
	if !rt.proxy.Send(data) {
		// A proxy that cannot drain its queue is as good as gone. The
		// read loop will observe the close and post a detach.
		rt.proxy.Close("")
	}
}

func (rt *Router) startGraceTimer() {
	rt.graceGen++
	gen := rt.graceGen
	rt.graceTimer = time.AfterFunc(rt.reg.cfg.GraceWindow, func() {
		rt.deliver(evGraceExpired{gen: gen})
	})
}

func (rt *Router) stopGraceTimer() {
	rt.graceGen++
	if rt.graceTimer != nil {
		rt.graceTimer.Stop()
		rt.graceTimer = nil
	}
}

func (rt *Router) startGapTimer() {
	rt.gapGen++
	gen := rt.gapGen
	rt.gapTimer = time.AfterFunc(rt.reg.cfg.GapTimeout, func() {
		rt.deliver(evGapTimeout{gen: gen})
	})
}

func (rt *Router) stopGapTimer() {
	rt.gapGen++
	if rt.gapTimer != nil {
		rt.gapTimer.Stop()
		rt.gapTimer = nil
	}
}

func (rt *Router) clearHold() {
	rt.hold = make(map[uint64]*protocol.SequencedOutput)
	rt.stopGapTimer()
}

func (rt *Router) stopTimers() {
	rt.stopGraceTimer()
	rt.stopGapTimer()
}
