package router

import (
	"encoding/json"
	"log"

	"agent-portal/internal/hub"
	"agent-portal/internal/model"
	"agent-portal/internal/protocol"
)

// handleProxyFrame dispatches a frame read from the proxy socket. Frames
// from a conn that is no longer the attached proxy (evicted, detached)
// are dropped.
func (rt *Router) handleProxyFrame(conn *hub.Connection, frame protocol.Frame) {
	if rt.proxy == nil || rt.proxy != conn {
		return
	}
	switch f := frame.(type) {
	case *protocol.SequencedOutput:
		rt.handleSequencedOutput(f)
	case *protocol.ClaudeOutput:
		rt.handleLegacyOutput(f)
	case *protocol.InputAck:
		if err := withRetry(func() error {
			return rt.reg.store.DeletePendingInputsUpTo(rt.sessionID, f.AckSeq)
		}); err != nil {
			// The rows stay and will be replayed on next attach; the proxy
			// dedupes by seq.
			log.Printf("session %s: clear pending inputs <= %d: %v", rt.sessionID, f.AckSeq, err)
		}
	case *protocol.PermissionRequest:
		rt.handlePermissionRequest(f)
	case *protocol.SessionUpdate:
		rt.handleSessionUpdate(f)
	case *protocol.Heartbeat:
		conn.Send(marshalFrame(protocol.Heartbeat{Type: protocol.TypeHeartbeat}))
	default:
		rt.protocolViolation(conn)
	}
}

// handleViewerFrame dispatches a frame read from a viewer socket. The conn
// must still be subscribed.
func (rt *Router) handleViewerFrame(conn *hub.Connection, userID, role string, frame protocol.Frame) {
	if _, ok := rt.viewers[conn]; !ok {
		return
	}
	switch f := frame.(type) {
	case *protocol.ClaudeInput:
		rt.handleViewerInput(conn, userID, role, f)
	case *protocol.PermissionResponse:
		rt.handlePermissionResponse(conn, role, f)
	case *protocol.Heartbeat:
		conn.Send(marshalFrame(protocol.Heartbeat{Type: protocol.TypeHeartbeat}))
	default:
		rt.protocolViolation(conn)
		delete(rt.viewers, conn)
	}
}

func (rt *Router) protocolViolation(conn *hub.Connection) {
	conn.Send(marshalFrame(protocol.Error{
		Type:    protocol.TypeError,
		Message: "unexpected frame on this endpoint",
	}))
	conn.Close("")
}

// handleSequencedOutput implements the at-least-once output contract:
// duplicates are re-acked, the next-expected seq is committed along with
// any held successors, and out-of-order arrivals wait in a bounded hold
// buffer until the gap fills.
func (rt *Router) handleSequencedOutput(f *protocol.SequencedOutput) {
	switch {
	case f.Seq <= rt.lastAckSeq:
		rt.ackOutputs()
	case f.Seq == rt.lastAckSeq+1:
		if !rt.commitOutput(f) {
			return
		}
		for {
			next, ok := rt.hold[rt.lastAckSeq+1]
			if !ok {
				break
			}
			delete(rt.hold, rt.lastAckSeq+1)
			if !rt.commitOutput(next) {
				return
			}
		}
		if len(rt.hold) == 0 {
			rt.stopGapTimer()
		}
		rt.touchActivity()
		rt.ackOutputs()
	default:
		if len(rt.hold) >= rt.reg.cfg.HoldBufferCap {
			// Too far ahead; re-ack so the proxy rewinds and retransmits
			// from the gap.
			rt.ackOutputs()
			return
		}
		rt.hold[f.Seq] = f
		if rt.gapTimer == nil {
			rt.startGapTimer()
		}
	}
}

// gapExpired fires when an out-of-order gap has not filled in time. The
// repeated cumulative ack tells the proxy to retransmit everything past
// lastAckSeq.
func (rt *Router) gapExpired(gen int) {
	if gen != rt.gapGen {
		return
	}
	rt.gapTimer = nil
	if len(rt.hold) == 0 {
		return
	}
	rt.ackOutputs()
	rt.startGapTimer()
}

func (rt *Router) ackOutputs() {
	rt.sendToProxy(marshalFrame(protocol.OutputAck{
		Type:      protocol.TypeOutputAck,
		SessionID: rt.sessionID,
		AckSeq:    rt.lastAckSeq,
	}))
}

// commitOutput persists one output and fans it out. Returns false when the
// write failed after retries, in which case the proxy is dropped so it
// retransmits on reconnect; lastAckSeq is not advanced past the failure.
func (rt *Router) commitOutput(f *protocol.SequencedOutput) bool {
	seq := f.Seq
	role := outputRole(f.Content)
	err := withRetry(func() error {
		_, err := rt.reg.store.AppendMessage(rt.sessionID, rt.sess.UserID, role, f.Content, &seq, rt.reg.nowMillis())
		return err
	})
	if err != nil {
		log.Printf("session %s: persist output seq %d: %v", rt.sessionID, seq, err)
		if rt.proxy != nil {
			rt.proxy.Close("")
		}
		return false
	}
	rt.lastAckSeq = seq
	rt.broadcastViewers(marshalFrame(protocol.ClaudeOutput{
		Type:    protocol.TypeClaudeOutput,
		Content: f.Content,
	}))
	if role == "result" {
		rt.accumulateResult(f.Content)
	}
	return true
}

func (rt *Router) handleLegacyOutput(f *protocol.ClaudeOutput) {
	role := outputRole(f.Content)
	err := withRetry(func() error {
		_, err := rt.reg.store.AppendMessage(rt.sessionID, rt.sess.UserID, role, f.Content, nil, rt.reg.nowMillis())
		return err
	})
	if err != nil {
		log.Printf("session %s: persist legacy output: %v", rt.sessionID, err)
		if rt.proxy != nil {
			rt.proxy.Close("")
		}
		return
	}
	rt.broadcastViewers(marshalFrame(protocol.ClaudeOutput{
		Type:    protocol.TypeClaudeOutput,
		Content: f.Content,
	}))
	if role == "result" {
		rt.accumulateResult(f.Content)
	}
	rt.touchActivity()
}

// outputRole mirrors the agent envelope's "type" tag into the message role.
func outputRole(content string) string {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(content), &env); err != nil || env.Type == "" {
		return "assistant"
	}
	return env.Type
}

type resultUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

type resultEnvelope struct {
	TotalCostUSD float64      `json:"total_cost_usd"`
	Usage        *resultUsage `json:"usage"`
}

// accumulateResult folds a terminal result envelope's cost and token usage
// into the session row and pushes a fresh spend summary to the owner.
func (rt *Router) accumulateResult(content string) {
	var env resultEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return
	}
	usage := env.Usage
	if usage == nil {
		usage = &resultUsage{}
	}
	if env.TotalCostUSD == 0 && usage.InputTokens == 0 && usage.OutputTokens == 0 &&
		usage.CacheCreationTokens == 0 && usage.CacheReadTokens == 0 {
		return
	}
	err := withRetry(func() error {
		return rt.reg.store.AccumulateSessionUsage(rt.sessionID, env.TotalCostUSD,
			usage.InputTokens, usage.OutputTokens, usage.CacheCreationTokens, usage.CacheReadTokens,
			rt.reg.nowMillis())
	})
	if err != nil {
		log.Printf("session %s: accumulate usage: %v", rt.sessionID, err)
		return
	}
	total, perSession, err := rt.reg.store.UserSpend(rt.sess.UserID)
	if err != nil {
		log.Printf("session %s: compute spend: %v", rt.sessionID, err)
		return
	}
	rt.reg.hub.Broadcast(rt.sess.UserID, marshalFrame(protocol.UserSpendUpdate{
		Type:          protocol.TypeUserSpendUpdate,
		TotalSpendUSD: total,
		SessionCosts:  perSession,
	}))
}

func (rt *Router) touchActivity() {
	now := rt.reg.nowMillis()
	rt.sess.LastActivity = now
	if err := rt.reg.store.TouchSessionActivity(rt.sessionID, now); err != nil {
		log.Printf("session %s: touch activity: %v", rt.sessionID, err)
	}
}

func (rt *Router) handleSessionUpdate(f *protocol.SessionUpdate) {
	err := withRetry(func() error {
		return rt.reg.store.UpdateSessionGitBranch(rt.sessionID, f.GitBranch, rt.reg.nowMillis())
	})
	if err != nil {
		log.Printf("session %s: update git branch: %v", rt.sessionID, err)
		return
	}
	rt.sess.GitBranch = f.GitBranch
	out := *f
	out.Type = protocol.TypeSessionUpdate
	out.SessionID = rt.sessionID
	rt.broadcastViewers(marshalFrame(out))
}

func (rt *Router) handlePermissionRequest(f *protocol.PermissionRequest) {
	var suggestions *string
	if len(f.PermissionSuggestions) > 0 {
		s := string(f.PermissionSuggestions)
		suggestions = &s
	}
	input := string(f.Input)
	if input == "" {
		input = "null"
	}
	err := withRetry(func() error {
		return rt.reg.store.UpsertPendingPermission(rt.sessionID, f.RequestID, f.ToolName, input, suggestions, rt.reg.nowMillis())
	})
	if err != nil {
		log.Printf("session %s: persist permission request %s: %v", rt.sessionID, f.RequestID, err)
		if rt.proxy != nil {
			rt.proxy.Close("")
		}
		return
	}
	out := *f
	out.Type = protocol.TypePermissionRequest
	rt.broadcastViewers(marshalFrame(out))
}

func (rt *Router) handlePermissionResponse(conn *hub.Connection, role string, f *protocol.PermissionResponse) {
	if !model.CanWrite(role) {
		rt.denyViewer(conn)
		return
	}
	if rt.proxy == nil {
		// Leave the pending row; the prompt replays to viewers until a
		// proxy is around to receive the answer.
		conn.Send(marshalFrame(protocol.Error{
			Type:    protocol.TypeError,
			Message: "no proxy attached",
		}))
		return
	}
	if err := withRetry(func() error {
		return rt.reg.store.DeletePendingPermission(rt.sessionID, f.RequestID)
	}); err != nil {
		log.Printf("session %s: clear permission %s: %v", rt.sessionID, f.RequestID, err)
	}
	out := *f
	out.Type = protocol.TypePermissionResponse
	rt.sendToProxy(marshalFrame(out))
}

func (rt *Router) handleViewerInput(conn *hub.Connection, userID, role string, f *protocol.ClaudeInput) {
	if !model.CanWrite(role) {
		rt.denyViewer(conn)
		return
	}
	sendMode := f.SendMode
	if sendMode != protocol.SendModeWiggum {
		sendMode = protocol.SendModeNormal
	}

	var seq int64
	err := withRetry(func() error {
		var err error
		seq, err = rt.reg.store.AllocateInputSeq(rt.sessionID, rt.reg.nowMillis())
		if err != nil {
			return err
		}
		_, err = rt.reg.store.InsertPendingInput(rt.sessionID, seq, f.Content, sendMode, rt.reg.nowMillis())
		return err
	})
	if err != nil {
		log.Printf("session %s: accept input from %s: %v", rt.sessionID, userID, err)
		conn.Send(marshalFrame(protocol.Error{
			Type:    protocol.TypeError,
			Message: "input not accepted, retry",
		}))
		return
	}
	rt.touchActivity()
	rt.sendToProxy(marshalFrame(protocol.SequencedInput{
		Type:      protocol.TypeSequencedInput,
		SessionID: rt.sessionID,
		Seq:       seq,
		Content:   f.Content,
		SendMode:  sendMode,
	}))
}

func (rt *Router) denyViewer(conn *hub.Connection) {
	conn.Send(marshalFrame(protocol.Error{
		Type:    protocol.TypeError,
		Message: "insufficient role",
	}))
	conn.Close("")
	delete(rt.viewers, conn)
}
