package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agent-portal/internal/auth"
	"agent-portal/internal/hub"
	"agent-portal/internal/protocol"
	"agent-portal/internal/router"
	"agent-portal/internal/store"
)

const (
	testSessionSecret = "test-session-secret"
	testProxySecret   = "test-proxy-secret"
	devEmail          = "testing@testing.local"
)

type testBackend struct {
	t   *testing.T
	srv *httptest.Server
	st  *store.Store
	reg *router.Registry
}

type backendOptions struct {
	queueCapacity int
	graceWindow   time.Duration
	devMode       bool
}

func newTestBackend(t *testing.T, opts backendOptions) *testBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if opts.queueCapacity == 0 {
		opts.queueCapacity = 512
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "portal.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	wsHub := hub.New()
	reg := router.NewRegistry(st, wsHub, router.Config{
		GraceWindow: opts.graceWindow,
	})

	r := NewRouter(Deps{
		Store:         st,
		Hub:           wsHub,
		Registry:      reg,
		SessionTokens: auth.SessionTokenConfig(testSessionSecret),
		ProxyTokens:   auth.ProxyTokenConfig(testProxySecret),
		DevMode:       opts.devMode,
		QueueCapacity: opts.queueCapacity,
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testBackend{t: t, srv: srv, st: st, reg: reg}
}

func (b *testBackend) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + path
}

// devLogin obtains a session cookie for the given identity via the
// dev-mode login endpoint.
func (b *testBackend) devLogin(email, name string) *http.Cookie {
	b.t.Helper()
	body, _ := json.Marshal(map[string]string{"email": email, "name": name})
	resp, err := http.Post(b.srv.URL+"/api/auth/dev-login", "application/json", bytes.NewReader(body))
	if err != nil {
		b.t.Fatalf("dev-login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b.t.Fatalf("dev-login status %d", resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == auth.SessionCookieName {
			return c
		}
	}
	b.t.Fatalf("dev-login set no %s cookie", auth.SessionCookieName)
	return nil
}

// sessionCookie forges the cookie the identity provider would set.
func (b *testBackend) sessionCookie(userID, email string) *http.Cookie {
	b.t.Helper()
	token, err := auth.CreateToken(userID, email, auth.SessionTokenConfig(testSessionSecret))
	if err != nil {
		b.t.Fatalf("CreateToken: %v", err)
	}
	return &http.Cookie{Name: auth.SessionCookieName, Value: token}
}

// dialRawProxy opens a proxy socket and sends Register without asserting
// on the ack, for tests that expect a rejection.
func dialRawProxy(b *testBackend, sessionID, authToken string) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(b.wsURL("/ws/session"), nil)
	if err != nil {
		return nil, resp, err
	}
	sendFrame(b.t, conn, protocol.Register{
		Type:      protocol.TypeRegister,
		SessionID: sessionID,
		AuthToken: authToken,
	})
	return conn, resp, nil
}

// dialProxy connects to /ws/session and completes the Register handshake.
// An empty authToken relies on dev mode.
func (b *testBackend) dialProxy(sessionID, authToken string, resuming bool) *websocket.Conn {
	b.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL("/ws/session"), nil)
	if err != nil {
		b.t.Fatalf("dial proxy: %v", err)
	}
	sendFrame(b.t, conn, protocol.Register{
		Type:        protocol.TypeRegister,
		SessionID:   sessionID,
		SessionName: "test session",
		AuthToken:   authToken,
		Resuming:    resuming,
		AgentType:   "claude",
	})
	ack := readRegisterAck(b.t, conn)
	if !ack.Success {
		msg := ""
		if ack.Error != nil {
			msg = *ack.Error
		}
		b.t.Fatalf("proxy register rejected: %s", msg)
	}
	return conn
}

// dialViewer connects to /ws/client with the session cookie, registers for
// the session, and returns the connection together with the history batch
// the backend replays first.
func (b *testBackend) dialViewer(cookie *http.Cookie, sessionID, replayAfter string) (*websocket.Conn, protocol.HistoryBatch) {
	b.t.Helper()
	header := http.Header{}
	header.Set("Cookie", cookie.Name+"="+cookie.Value)
	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL("/ws/client"), header)
	if err != nil {
		b.t.Fatalf("dial viewer: %v", err)
	}
	reg := protocol.Register{Type: protocol.TypeRegister, SessionID: sessionID}
	if replayAfter != "" {
		reg.ReplayAfter = &replayAfter
	}
	sendFrame(b.t, conn, reg)
	ack := readRegisterAck(b.t, conn)
	if !ack.Success {
		b.t.Fatalf("viewer register rejected")
	}
	frame := readFrame(b.t, conn)
	batch, ok := frame.(*protocol.HistoryBatch)
	if !ok {
		b.t.Fatalf("expected HistoryBatch first, got %T", frame)
	}
	return conn, *batch
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal %T: %v", frame, err)
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %T: %v", frame, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func readRegisterAck(t *testing.T, conn *websocket.Conn) *protocol.RegisterAck {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if ack, ok := frame.(*protocol.RegisterAck); ok {
			return ack
		}
	}
}

// waitOutputAck reads proxy-bound frames until the cumulative ack reaches
// want, collecting any SequencedInput replays seen on the way.
func waitOutputAck(t *testing.T, conn *websocket.Conn, want uint64) {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		ack, ok := frame.(*protocol.OutputAck)
		if !ok {
			continue
		}
		if ack.AckSeq == want {
			return
		}
		if ack.AckSeq > want {
			t.Fatalf("ack_seq %d overshot %d", ack.AckSeq, want)
		}
	}
}

func expectOutput(t *testing.T, conn *websocket.Conn, content string) {
	t.Helper()
	frame := readFrame(t, conn)
	out, ok := frame.(*protocol.ClaudeOutput)
	if !ok {
		t.Fatalf("expected ClaudeOutput, got %T", frame)
	}
	if out.Content != content {
		t.Fatalf("content = %q, want %q", out.Content, content)
	}
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame: %s", string(data))
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got: %v", err)
	}
}

func outputContent(tag string) string {
	return fmt.Sprintf(`{"type":"assistant","text":%q}`, tag)
}

func TestOutputDeliveredInOrderAndAcked(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000001"

	proxy := b.dialProxy(sessionID, "", false)
	defer proxy.Close()

	cookie := b.devLogin(devEmail, "Developer")
	viewer, history := b.dialViewer(cookie, sessionID, "")
	defer viewer.Close()
	if len(history.Messages) != 0 {
		t.Fatalf("expected empty history, got %d", len(history.Messages))
	}

	for seq, tag := range []string{"a", "b", "c"} {
		sendFrame(t, proxy, protocol.SequencedOutput{
			Type:    protocol.TypeSequencedOutput,
			Seq:     uint64(seq + 1),
			Content: outputContent(tag),
		})
	}
	waitOutputAck(t, proxy, 3)

	expectOutput(t, viewer, outputContent("a"))
	expectOutput(t, viewer, outputContent("b"))
	expectOutput(t, viewer, outputContent("c"))

	msgs, err := b.st.ReadMessagesAfter(sessionID, 0, 100)
	if err != nil {
		t.Fatalf("ReadMessagesAfter: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages rows = %d, want 3", len(msgs))
	}
}

func TestProxyRestartDoesNotDuplicateOutputs(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000002"

	proxy := b.dialProxy(sessionID, "", false)
	cookie := b.devLogin(devEmail, "Developer")
	viewer, _ := b.dialViewer(cookie, sessionID, "")
	defer viewer.Close()

	tags := []string{"a", "b", "c", "d", "e"}
	for seq, tag := range tags {
		sendFrame(t, proxy, protocol.SequencedOutput{
			Type:    protocol.TypeSequencedOutput,
			Seq:     uint64(seq + 1),
			Content: outputContent(tag),
		})
	}
	waitOutputAck(t, proxy, 5)
	proxy.Close()

	// The restarted proxy still holds the tail of its buffer and replays it.
	proxy2 := b.dialProxy(sessionID, "", true)
	defer proxy2.Close()
	for seq := uint64(4); seq <= 5; seq++ {
		sendFrame(t, proxy2, protocol.SequencedOutput{
			Type:    protocol.TypeSequencedOutput,
			Seq:     seq,
			Content: outputContent(tags[seq-1]),
		})
	}
	waitOutputAck(t, proxy2, 5)

	var seen []string
	for len(seen) < len(tags) {
		frame := readFrame(t, viewer)
		if out, ok := frame.(*protocol.ClaudeOutput); ok {
			seen = append(seen, out.Content)
		}
	}
	for i, tag := range tags {
		if seen[i] != outputContent(tag) {
			t.Fatalf("viewer frame %d = %q, want %q", i, seen[i], outputContent(tag))
		}
	}
	// Status frames may interleave; outputs must not.
	for {
		viewer.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, data, err := viewer.ReadMessage()
		if err != nil {
			break
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, isOutput := frame.(*protocol.ClaudeOutput); isOutput {
			t.Fatalf("duplicate output after replay: %s", string(data))
		}
	}

	msgs, err := b.st.ReadMessagesAfter(sessionID, 0, 100)
	if err != nil {
		t.Fatalf("ReadMessagesAfter: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("messages rows = %d, want 5", len(msgs))
	}
}

func TestDuplicateOutputsReackedWithoutRebroadcast(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000003"

	proxy := b.dialProxy(sessionID, "", false)
	defer proxy.Close()
	cookie := b.devLogin(devEmail, "Developer")
	viewer, _ := b.dialViewer(cookie, sessionID, "")
	defer viewer.Close()

	for seq, tag := range []string{"a", "b", "c"} {
		sendFrame(t, proxy, protocol.SequencedOutput{
			Type:    protocol.TypeSequencedOutput,
			Seq:     uint64(seq + 1),
			Content: outputContent(tag),
		})
	}
	waitOutputAck(t, proxy, 3)
	for i := 0; i < 3; i++ {
		expectOutput(t, viewer, outputContent([]string{"a", "b", "c"}[i]))
	}

	// A network glitch makes the proxy repeat the whole window.
	for seq, tag := range []string{"a", "b", "c"} {
		sendFrame(t, proxy, protocol.SequencedOutput{
			Type:    protocol.TypeSequencedOutput,
			Seq:     uint64(seq + 1),
			Content: outputContent(tag),
		})
		waitOutputAck(t, proxy, 3)
	}

	expectNoFrame(t, viewer, 300*time.Millisecond)

	msgs, err := b.st.ReadMessagesAfter(sessionID, 0, 100)
	if err != nil {
		t.Fatalf("ReadMessagesAfter: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages rows = %d, want 3", len(msgs))
	}
}

func TestOutOfOrderOutputDeliveredInOrder(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000004"

	proxy := b.dialProxy(sessionID, "", false)
	defer proxy.Close()
	cookie := b.devLogin(devEmail, "Developer")
	viewer, _ := b.dialViewer(cookie, sessionID, "")
	defer viewer.Close()

	sendFrame(t, proxy, protocol.SequencedOutput{
		Type: protocol.TypeSequencedOutput, Seq: 2, Content: outputContent("b"),
	})
	sendFrame(t, proxy, protocol.SequencedOutput{
		Type: protocol.TypeSequencedOutput, Seq: 1, Content: outputContent("a"),
	})
	waitOutputAck(t, proxy, 2)

	expectOutput(t, viewer, outputContent("a"))
	expectOutput(t, viewer, outputContent("b"))
}

func TestPendingInputsReplayedToReconnectingProxy(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000005"

	proxy := b.dialProxy(sessionID, "", false)
	cookie := b.devLogin(devEmail, "Developer")
	viewer, _ := b.dialViewer(cookie, sessionID, "")
	defer viewer.Close()
	proxy.Close()

	// Inputs submitted while no proxy is attached queue up.
	for _, text := range []string{"one", "two", "three"} {
		sendFrame(t, viewer, protocol.ClaudeInput{
			Type:    protocol.TypeClaudeInput,
			Content: text,
		})
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		pending, err := b.st.LoadPendingInputs(sessionID)
		if err != nil {
			t.Fatalf("LoadPendingInputs: %v", err)
		}
		if len(pending) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending inputs = %d, want 3", len(pending))
		}
		time.Sleep(10 * time.Millisecond)
	}

	proxy2 := b.dialProxy(sessionID, "", true)
	for want := int64(1); want <= 3; want++ {
		frame := readFrame(t, proxy2)
		in, ok := frame.(*protocol.SequencedInput)
		if !ok {
			t.Fatalf("expected SequencedInput, got %T", frame)
		}
		if in.Seq != want {
			t.Fatalf("seq = %d, want %d", in.Seq, want)
		}
	}
	sendFrame(t, proxy2, protocol.InputAck{
		Type:      protocol.TypeInputAck,
		SessionID: sessionID,
		AckSeq:    3,
	})

	deadline = time.Now().Add(5 * time.Second)
	for {
		pending, err := b.st.LoadPendingInputs(sessionID)
		if err != nil {
			t.Fatalf("LoadPendingInputs: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending inputs not cleared, %d left", len(pending))
		}
		time.Sleep(10 * time.Millisecond)
	}
	proxy2.Close()

	// A third attach finds nothing to replay.
	proxy3 := b.dialProxy(sessionID, "", true)
	defer proxy3.Close()
	expectNoFrame(t, proxy3, 300*time.Millisecond)
}

func TestPermissionRequestSurvivesViewerRefresh(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000006"

	proxy := b.dialProxy(sessionID, "", false)
	defer proxy.Close()
	cookie := b.devLogin(devEmail, "Developer")
	viewer, _ := b.dialViewer(cookie, sessionID, "")

	sendFrame(t, proxy, protocol.PermissionRequest{
		Type:      protocol.TypePermissionRequest,
		RequestID: "r1",
		ToolName:  "Bash",
		Input:     json.RawMessage(`{"cmd":"ls"}`),
	})

	var live *protocol.PermissionRequest
	for live == nil {
		frame := readFrame(t, viewer)
		if req, ok := frame.(*protocol.PermissionRequest); ok {
			live = req
		}
	}
	if live.RequestID != "r1" || live.ToolName != "Bash" {
		t.Fatalf("unexpected request %+v", live)
	}
	viewer.Close()

	// A refresh replays the outstanding prompt right after history.
	viewer2, _ := b.dialViewer(cookie, sessionID, "")
	frame := readFrame(t, viewer2)
	replayed, ok := frame.(*protocol.PermissionRequest)
	if !ok {
		t.Fatalf("expected PermissionRequest after history, got %T", frame)
	}
	if replayed.RequestID != "r1" {
		t.Fatalf("replayed request_id = %q", replayed.RequestID)
	}

	sendFrame(t, viewer2, protocol.PermissionResponse{
		Type:      protocol.TypePermissionResponse,
		RequestID: "r1",
		Allow:     true,
	})

	for {
		frame := readFrame(t, proxy)
		if resp, ok := frame.(*protocol.PermissionResponse); ok {
			if !resp.Allow || resp.RequestID != "r1" {
				t.Fatalf("unexpected response %+v", resp)
			}
			break
		}
	}
	viewer2.Close()

	// Answered: a second refresh shows no pending prompt.
	viewer3, _ := b.dialViewer(cookie, sessionID, "")
	defer viewer3.Close()
	expectNoFrame(t, viewer3, 300*time.Millisecond)
}

func TestPermissionResponseWithoutProxyIsRejected(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000007"

	proxy := b.dialProxy(sessionID, "", false)
	cookie := b.devLogin(devEmail, "Developer")
	viewer, _ := b.dialViewer(cookie, sessionID, "")
	defer viewer.Close()

	sendFrame(t, proxy, protocol.PermissionRequest{
		Type:      protocol.TypePermissionRequest,
		RequestID: "r1",
		ToolName:  "Bash",
		Input:     json.RawMessage(`{"cmd":"rm"}`),
	})
	for {
		frame := readFrame(t, viewer)
		if _, ok := frame.(*protocol.PermissionRequest); ok {
			break
		}
	}
	proxy.Close()

	// Wait until the router has processed the detach.
	for {
		frame := readFrame(t, viewer)
		if status, ok := frame.(*protocol.SessionStatus); ok && status.Status == protocol.StatusDisconnected {
			break
		}
	}

	sendFrame(t, viewer, protocol.PermissionResponse{
		Type:      protocol.TypePermissionResponse,
		RequestID: "r1",
		Allow:     true,
	})
	frame := readFrame(t, viewer)
	if _, ok := frame.(*protocol.Error); !ok {
		t.Fatalf("expected Error, got %T", frame)
	}

	// The prompt is still pending for the next subscriber.
	if _, err := b.st.GetPendingPermission(sessionID); err != nil {
		t.Fatalf("pending permission gone: %v", err)
	}
}

func TestSlowViewerEvictedAndCatchesUpViaReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("moves tens of megabytes")
	}
	b := newTestBackend(t, backendOptions{devMode: true, queueCapacity: 4})
	sessionID := "11111111-1111-1111-1111-000000000008"

	proxy := b.dialProxy(sessionID, "", false)
	defer proxy.Close()
	cookie := b.devLogin(devEmail, "Developer")

	fast, _ := b.dialViewer(cookie, sessionID, "")
	defer fast.Close()
	slow, _ := b.dialViewer(cookie, sessionID, "")

	const total = 100
	payload := strings.Repeat("x", 256*1024)

	received := make(chan int, 1)
	go func() {
		count := 0
		for count < total {
			fast.SetReadDeadline(time.Now().Add(30 * time.Second))
			_, data, err := fast.ReadMessage()
			if err != nil {
				break
			}
			frame, err := protocol.Decode(data)
			if err != nil {
				break
			}
			if _, ok := frame.(*protocol.ClaudeOutput); ok {
				count++
			}
		}
		received <- count
	}()

	// The slow viewer never reads; its backend-side queue overflows once
	// the socket buffers fill.
	for seq := uint64(1); seq <= total; seq++ {
		sendFrame(t, proxy, protocol.SequencedOutput{
			Type:    protocol.TypeSequencedOutput,
			Seq:     seq,
			Content: fmt.Sprintf(`{"type":"assistant","n":%d,"pad":%q}`, seq, payload),
		})
		waitOutputAck(t, proxy, seq)
	}

	if got := <-received; got != total {
		t.Fatalf("fast viewer received %d outputs, want %d", got, total)
	}

	// Draining the slow socket now surfaces the eviction close frame.
	evicted := false
	for !evicted {
		slow.SetReadDeadline(time.Now().Add(10 * time.Second))
		_, _, err := slow.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Text == "slow-consumer" {
			evicted = true
			break
		}
		t.Fatalf("slow viewer read ended without eviction close: %v", err)
	}
	slow.Close()

	// Reconnect and catch up from persistence.
	slow2, history := b.dialViewer(cookie, sessionID, "")
	defer slow2.Close()
	if len(history.Messages) != total {
		t.Fatalf("replayed %d messages, want %d", len(history.Messages), total)
	}
}

func TestSecondProxyReplacesFirst(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000009"

	first := b.dialProxy(sessionID, "", false)
	second := b.dialProxy(sessionID, "", true)
	defer second.Close()

	for {
		first.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Text == "replaced" {
			return
		}
		t.Fatalf("first proxy ended without replaced close: %v", err)
	}
}

func TestViewerWithoutMembershipRejected(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000010"

	proxy := b.dialProxy(sessionID, "", false)
	defer proxy.Close()

	// A different identity with no member row.
	cookie := b.devLogin("other@localhost", "Other")
	header := http.Header{}
	header.Set("Cookie", cookie.Name+"="+cookie.Value)
	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL("/ws/client"), header)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	defer conn.Close()

	sendFrame(t, conn, protocol.Register{Type: protocol.TypeRegister, SessionID: sessionID})
	frame := readFrame(t, conn)
	if _, ok := frame.(*protocol.Error); !ok {
		t.Fatalf("expected Error, got %T", frame)
	}
}

func TestViewerUpgradeRequiresCookie(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})

	_, resp, err := websocket.DefaultDialer.Dial(b.wsURL("/ws/client"), nil)
	if err == nil {
		t.Fatalf("expected upgrade rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestResumingUnknownSessionGetsFailureAckThenFreshRegister(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})

	conn, _, err := websocket.DefaultDialer.Dial(b.wsURL("/ws/session"), nil)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	sendFrame(t, conn, protocol.Register{
		Type:      protocol.TypeRegister,
		SessionID: "11111111-1111-1111-1111-000000000011",
		Resuming:  true,
	})
	ack := readRegisterAck(t, conn)
	if ack.Success {
		t.Fatalf("expected resume failure")
	}
	if ack.Error == nil || *ack.Error != "session not found" {
		t.Fatalf("error = %v, want session not found", ack.Error)
	}

	// The socket stays open: a fresh registration succeeds on it.
	sendFrame(t, conn, protocol.Register{
		Type:      protocol.TypeRegister,
		SessionID: "11111111-1111-1111-1111-000000000012",
		Resuming:  false,
	})
	ack = readRegisterAck(t, conn)
	if !ack.Success {
		t.Fatalf("fresh register rejected")
	}
}

func TestHistoryReplayAfterTimestamp(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000013"

	proxy := b.dialProxy(sessionID, "", false)
	defer proxy.Close()

	// Commit one at a time with a pause so every row lands on its own
	// millisecond; replay cuts on created_at.
	for seq, tag := range []string{"a", "b", "c", "d"} {
		sendFrame(t, proxy, protocol.SequencedOutput{
			Type:    protocol.TypeSequencedOutput,
			Seq:     uint64(seq + 1),
			Content: outputContent(tag),
		})
		waitOutputAck(t, proxy, uint64(seq+1))
		time.Sleep(3 * time.Millisecond)
	}

	cookie := b.devLogin(devEmail, "Developer")
	_, full := b.dialViewer(cookie, sessionID, "")
	if len(full.Messages) != 4 {
		t.Fatalf("full replay = %d messages, want 4", len(full.Messages))
	}

	// Replay strictly after the second message's timestamp.
	cutoff := full.Messages[1].CreatedAt
	_, partial := b.dialViewer(cookie, sessionID, cutoff)
	if len(partial.Messages) != 2 {
		t.Fatalf("partial replay = %d messages, want 2", len(partial.Messages))
	}
	if partial.Messages[0].Content != outputContent("c") {
		t.Fatalf("first replayed = %q, want c", partial.Messages[0].Content)
	}
}

func TestMalformedFrameClosesSocketWithoutKillingSession(t *testing.T) {
	b := newTestBackend(t, backendOptions{devMode: true})
	sessionID := "11111111-1111-1111-1111-000000000014"

	proxy := b.dialProxy(sessionID, "", false)
	proxy.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := proxy.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, proxy)
	if _, ok := frame.(*protocol.Error); !ok {
		t.Fatalf("expected Error, got %T", frame)
	}
	proxy.Close()

	// The session row survives the protocol violation.
	sess, err := b.st.GetSession(sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ID != sessionID {
		t.Fatalf("session missing after violation")
	}
}
