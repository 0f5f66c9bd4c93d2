package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"agent-portal/internal/agent"
	"agent-portal/internal/protocol"
)

const (
	dialTimeout     = 10 * time.Second
	registerAckWait = 10 * time.Second
	writeWait       = 10 * time.Second
	maxFrameSize    = 1024 * 1024

	branchPollInterval = 30 * time.Second

	framesBuffer = 64
)

// ErrAuthRejected means the backend refused the auth token. Retrying with
// the same credentials cannot succeed, so the engine gives up.
var ErrAuthRejected = errors.New("backend rejected the auth token")

// errAgentExited ends the engine when the agent process is gone.
var errAgentExited = errors.New("agent exited")

// shutdownError carries the reconnect delay a ServerShutdown asked for.
type shutdownError struct {
	delay time.Duration
}

func (e *shutdownError) Error() string {
	return fmt.Sprintf("server shutting down, reconnect in %s", e.delay)
}

// Engine owns one agent process and keeps a connection to the backend,
// reconnecting with backoff and replaying unacknowledged traffic in both
// directions. Delivery state (buffer, input seq, wiggum run) is touched
// only from the connection loop goroutine.
type Engine struct {
	cfg Config
	log *slog.Logger

	// newAgent is swapped out in tests.
	newAgent func(sessionID string, resume bool) agent.Client
	dialer   *websocket.Dialer

	sessionID string
	resuming  bool
	agent     agent.Client

	buffer       *OutputBuffer
	ackWatch     AckWatch
	backoff      *Backoff
	lastInputSeq int64
	wiggum       *wiggumRun
	branch       *string
}

func NewEngine(cfg Config, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		log:       log,
		dialer:    &websocket.Dialer{HandshakeTimeout: dialTimeout},
		sessionID: cfg.SessionID,
		resuming:  cfg.Resume,
		buffer:    NewOutputBuffer(cfg.BufferCapacity),
		backoff:   NewBackoff(),
		branch:    cfg.GitBranch,
	}
	e.newAgent = func(sessionID string, resume bool) agent.Client {
		return agent.NewProcess(agent.Config{
			Binary:           cfg.AgentBinary,
			WorkingDirectory: cfg.WorkingDirectory,
			SessionID:        sessionID,
			Resume:           resume,
			ExtraArgs:        cfg.AgentArgs,
		}, log)
	}
	return e
}

// Run drives the Connecting, Registered, Streaming cycle until the
// context ends or the agent exits.
func (e *Engine) Run(ctx context.Context) error {
	cl := e.newAgent(e.sessionID, e.resuming)
	if err := cl.Start(ctx); err != nil {
		return err
	}
	e.agent = cl
	defer func() { e.agent.Stop() }()

	for {
		conn, err := e.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := e.backoff.Next()
			e.log.Warn("backend unreachable", "error", err, "retry_in", delay.Round(time.Millisecond))
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		start := time.Now()
		err = e.runConn(ctx, conn)
		conn.close()
		lived := time.Since(start)

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errAgentExited):
			e.log.Info("agent exited, shutting down")
			return nil
		case errors.Is(err, ErrAuthRejected):
			return err
		}

		var shutdown *shutdownError
		if errors.As(err, &shutdown) {
			e.log.Warn("backend shutting down", "reconnect_in", shutdown.delay)
			e.backoff.Reset()
			if !sleepCtx(ctx, shutdown.delay) {
				return ctx.Err()
			}
			continue
		}

		e.backoff.ResetIfStable(lived)
		delay := e.backoff.Next()
		e.log.Info("disconnected",
			"error", err,
			"connected_for", lived.Round(time.Second),
			"retry_in", delay.Round(time.Millisecond),
		)
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (e *Engine) runConn(ctx context.Context, conn *wsConn) error {
	if err := e.register(ctx, conn); err != nil {
		return err
	}

	// Everything unacknowledged goes out again before new output.
	pending := e.buffer.Pending()
	if len(pending) > 0 {
		e.log.Info("retransmitting buffered outputs", "count", len(pending))
	}
	for _, entry := range pending {
		if err := e.sendOutput(conn, entry.Seq, entry.Content); err != nil {
			return err
		}
	}

	return e.stream(ctx, conn)
}

// register performs the Register/RegisterAck exchange. A rejected resume
// means the backend lost the session: start a fresh one and re-register
// on the same socket.
func (e *Engine) register(ctx context.Context, conn *wsConn) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := conn.send(e.registerFrame()); err != nil {
			return err
		}
		ack, err := readRegisterAck(conn)
		if err != nil {
			return err
		}
		if ack.Success {
			e.log.Info("registered", "session_id", e.sessionID, "resuming", e.resuming)
			e.resuming = true
			return nil
		}

		reason := ""
		if ack.Error != nil {
			reason = *ack.Error
		}
		if strings.Contains(reason, "authentication") {
			return fmt.Errorf("%w: %s", ErrAuthRejected, reason)
		}
		if e.resuming && strings.Contains(reason, "session not found") {
			e.log.Warn("session gone on backend, starting fresh", "session_id", e.sessionID)
			if err := e.startFresh(ctx); err != nil {
				return err
			}
			continue
		}
		return fmt.Errorf("registration rejected: %s", reason)
	}
	return errors.New("registration retries exhausted")
}

func (e *Engine) registerFrame() protocol.Register {
	f := protocol.Register{
		Type:             protocol.TypeRegister,
		SessionID:        e.sessionID,
		SessionName:      e.cfg.SessionName,
		AuthToken:        e.cfg.AuthToken,
		WorkingDirectory: e.cfg.WorkingDirectory,
		Resuming:         e.resuming,
		GitBranch:        e.branch,
		AgentType:        e.cfg.AgentType,
	}
	if e.cfg.ClientVersion != "" {
		version := e.cfg.ClientVersion
		f.ClientVersion = &version
	}
	return f
}

// readRegisterAck waits for the RegisterAck, skipping anything else the
// backend may emit first.
func readRegisterAck(conn *wsConn) (*protocol.RegisterAck, error) {
	if err := conn.ws.SetReadDeadline(time.Now().Add(registerAckWait)); err != nil {
		return nil, err
	}
	defer conn.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("waiting for register ack: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if ack, ok := frame.(*protocol.RegisterAck); ok {
			return ack, nil
		}
	}
}

// startFresh abandons the current session after the backend rejected a
// resume: new session id, new agent process, empty delivery state.
func (e *Engine) startFresh(ctx context.Context) error {
	old := e.agent
	old.Stop()
	go func() {
		for range old.Events() {
		}
	}()

	e.sessionID = uuid.NewString()
	e.resuming = false
	e.buffer = NewOutputBuffer(e.cfg.BufferCapacity)
	e.ackWatch = AckWatch{}
	e.lastInputSeq = 0
	e.wiggum = nil

	if e.cfg.StatePath != "" {
		if err := RememberSession(e.cfg.StatePath, e.cfg.WorkingDirectory, e.sessionID, e.cfg.SessionName); err != nil {
			e.log.Warn("could not record new session", "error", err)
		}
	}

	cl := e.newAgent(e.sessionID, false)
	if err := cl.Start(ctx); err != nil {
		return err
	}
	e.agent = cl
	e.log.Info("fresh session started", "session_id", e.sessionID)
	return nil
}

// stream runs the per-connection tasks until one of them fails.
func (e *Engine) stream(ctx context.Context, conn *wsConn) error {
	g, ctx := errgroup.WithContext(ctx)
	frames := make(chan protocol.Frame, framesBuffer)
	tracker := NewHeartbeatTracker()

	g.Go(func() error {
		// Unblocks the reader when another task fails.
		<-ctx.Done()
		conn.close()
		return nil
	})
	g.Go(func() error { return readFrames(ctx, conn, frames, tracker) })
	g.Go(func() error { return e.heartbeatLoop(ctx, conn, tracker) })
	g.Go(func() error { return e.watchBranch(ctx, conn) })
	g.Go(func() error { return e.forward(ctx, conn, frames) })

	return g.Wait()
}

// readFrames delivers backend frames to the forwarder and marks liveness
// on every arrival. ServerShutdown ends the connection with the delay the
// backend asked for.
func readFrames(ctx context.Context, conn *wsConn, frames chan<- protocol.Frame, tracker *HeartbeatTracker) error {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("backend read: %w", err)
		}
		tracker.Touch()

		frame, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if shutdown, ok := frame.(*protocol.ServerShutdown); ok {
			return &shutdownError{delay: time.Duration(shutdown.ReconnectDelayMS) * time.Millisecond}
		}

		select {
		case frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context, conn *wsConn, tracker *HeartbeatTracker) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if tracker.Expired() {
				return fmt.Errorf("no traffic from backend for %s", tracker.Elapsed().Round(time.Second))
			}
			if err := conn.send(protocol.Heartbeat{Type: protocol.TypeHeartbeat}); err != nil {
				return err
			}
		}
	}
}

// watchBranch reports git branch switches so viewers see where the agent
// is working.
func (e *Engine) watchBranch(ctx context.Context, conn *wsConn) error {
	ticker := time.NewTicker(branchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			branch := GitBranch(e.cfg.WorkingDirectory)
			if branchEqual(e.branch, branch) {
				continue
			}
			e.branch = branch
			update := protocol.SessionUpdate{
				Type:      protocol.TypeSessionUpdate,
				SessionID: e.sessionID,
				GitBranch: branch,
			}
			if err := conn.send(update); err != nil {
				return err
			}
		}
	}
}

func branchEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// forward is the single owner of delivery state: it moves agent events to
// the backend and backend frames to the agent.
func (e *Engine) forward(ctx context.Context, conn *wsConn, frames <-chan protocol.Frame) error {
	for {
		// A full buffer pauses agent reads; the stdout pipe backs up
		// until the backend acks.
		agentCh := e.agent.Events()
		if e.buffer.Full() {
			agentCh = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-frames:
			if err := e.handleFrame(conn, frame); err != nil {
				return err
			}
		case ev, ok := <-agentCh:
			if !ok {
				return errAgentExited
			}
			if err := e.handleAgentEvent(conn, ev); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleFrame(conn *wsConn, frame protocol.Frame) error {
	switch f := frame.(type) {
	case *protocol.SequencedInput:
		return e.handleInput(conn, f)
	case *protocol.OutputAck:
		return e.handleOutputAck(conn, f)
	case *protocol.PermissionResponse:
		reason := ""
		if f.Reason != nil {
			reason = *f.Reason
		}
		if err := e.agent.RespondPermission(f.RequestID, f.Allow, f.Input, f.Permissions, reason); err != nil {
			e.log.Warn("permission response not delivered", "request_id", f.RequestID, "error", err)
		}
		return nil
	case *protocol.Heartbeat:
		// Liveness only; echoing an echo would loop forever.
		return nil
	case *protocol.Error:
		e.log.Warn("backend error", "message", f.Message)
		return nil
	default:
		return nil
	}
}

func (e *Engine) handleInput(conn *wsConn, f *protocol.SequencedInput) error {
	if e.wiggum != nil && f.Seq == e.wiggum.seq {
		// Replay of the run in progress; it acks when it finishes.
		return nil
	}
	if f.Seq <= e.lastInputSeq {
		// Already delivered; the ack must have been lost.
		return e.sendInputAck(conn, f.Seq)
	}

	if f.SendMode == protocol.SendModeWiggum {
		e.wiggum = &wiggumRun{seq: f.Seq, prompt: f.Content, iteration: 1}
		e.lastInputSeq = f.Seq
		e.log.Info("wiggum run started", "seq", f.Seq)
		if err := e.agent.Send(wiggumPrompt(f.Content)); err != nil {
			e.log.Error("agent rejected wiggum prompt", "error", err)
			return e.finishWiggum(conn)
		}
		return nil
	}

	if err := e.agent.Send(f.Content); err != nil {
		// No ack: the backend keeps the input pending and replays it.
		e.log.Error("agent rejected input", "seq", f.Seq, "error", err)
		return nil
	}
	e.lastInputSeq = f.Seq
	return e.sendInputAck(conn, f.Seq)
}

func (e *Engine) handleOutputAck(conn *wsConn, f *protocol.OutputAck) error {
	if dropped := e.buffer.Ack(f.AckSeq); dropped > 0 {
		e.log.Debug("outputs acknowledged", "ack_seq", f.AckSeq, "dropped", dropped, "pending", e.buffer.Len())
	}
	if !e.ackWatch.Observe(f.AckSeq, time.Now()) {
		return nil
	}

	pending := e.buffer.Pending()
	e.log.Warn("backend requested retransmit", "ack_seq", f.AckSeq, "count", len(pending))
	for _, entry := range pending {
		if err := e.sendOutput(conn, entry.Seq, entry.Content); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleAgentEvent(conn *wsConn, ev agent.Event) error {
	switch ev.Kind {
	case agent.EventOutput:
		return e.handleAgentOutput(conn, ev.Content)
	case agent.EventPermission:
		req := ev.Permission
		return conn.send(protocol.PermissionRequest{
			Type:                  protocol.TypePermissionRequest,
			RequestID:             req.RequestID,
			ToolName:              req.ToolName,
			Input:                 req.Input,
			PermissionSuggestions: req.Suggestions,
		})
	case agent.EventExited:
		e.log.Info("agent process exited", "code", ev.ExitCode)
		if e.wiggum != nil {
			if err := e.finishWiggum(conn); err != nil {
				e.log.Warn("could not ack wiggum input", "error", err)
			}
		}
		return errAgentExited
	default:
		return nil
	}
}

func (e *Engine) handleAgentOutput(conn *wsConn, content string) error {
	isResult, done := wiggumOutcome(content)

	seq := e.buffer.Push(content)
	if err := e.sendOutput(conn, seq, content); err != nil {
		return err
	}

	if e.wiggum == nil || !isResult {
		return nil
	}
	if done {
		e.log.Info("wiggum run complete", "iterations", e.wiggum.iteration)
		return e.finishWiggum(conn)
	}

	e.wiggum.iteration++
	if e.wiggum.iteration > wiggumMaxIterations {
		e.log.Warn("wiggum iteration cap reached", "cap", wiggumMaxIterations)
		return e.finishWiggum(conn)
	}
	e.log.Info("wiggum continuing", "iteration", e.wiggum.iteration)
	if err := e.agent.Send(wiggumPrompt(e.wiggum.prompt)); err != nil {
		e.log.Error("agent rejected wiggum prompt", "error", err)
		return e.finishWiggum(conn)
	}
	return nil
}

// finishWiggum clears the run and acks through lastInputSeq, which covers
// the run's own seq plus any normal inputs delivered while it ran.
func (e *Engine) finishWiggum(conn *wsConn) error {
	if e.wiggum == nil {
		return nil
	}
	if e.wiggum.seq > e.lastInputSeq {
		e.lastInputSeq = e.wiggum.seq
	}
	e.wiggum = nil
	return e.sendInputAck(conn, e.lastInputSeq)
}

func (e *Engine) sendOutput(conn *wsConn, seq uint64, content string) error {
	return conn.send(protocol.SequencedOutput{
		Type:    protocol.TypeSequencedOutput,
		Seq:     seq,
		Content: content,
	})
}

// sendInputAck emits a cumulative input ack. While a wiggum run is
// active its seq must stay pending on the backend, so acks for later
// inputs are capped just below it; finishWiggum sends the covering ack.
func (e *Engine) sendInputAck(conn *wsConn, seq int64) error {
	if e.wiggum != nil && seq >= e.wiggum.seq {
		seq = e.wiggum.seq - 1
	}
	return conn.send(protocol.InputAck{
		Type:      protocol.TypeInputAck,
		SessionID: e.sessionID,
		AckSeq:    seq,
	})
}

func (e *Engine) dial(ctx context.Context) (*wsConn, error) {
	url := sessionEndpoint(e.cfg.BackendURL)
	ws, _, err := e.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(maxFrameSize)
	return &wsConn{ws: ws}, nil
}

// wsConn serializes writes; the reader, heartbeat, and forwarder all
// share one socket.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %T: %w", frame, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) close() {
	c.ws.Close()
}

// sessionEndpoint turns the backend base URL into the proxy WS endpoint,
// accepting http(s) schemes for convenience.
func sessionEndpoint(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	return base + "/ws/session"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
