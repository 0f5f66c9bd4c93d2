package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	registerWait = 10 * time.Second
	maxFrameSize = 1024 * 1024

	// Pings go out every heartbeat interval; a peer silent for three of
	// them is dead. Matches the proxy's own heartbeat cadence.
	pingPeriod = 30 * time.Second
	pongWait   = 3 * pingPeriod
)

// Fixed identity used when the backend runs with DEV_MODE and no real
// identity provider is wired in.
const (
	devUserEmail = "testing@testing.local"
	devUserName  = "Test User"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter adapts a gorilla conn to the hub writer contract. Only the
// connection pump calls Write/WriteClose, so no extra locking is needed;
// every write is deadline-bounded.
type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) WriteClose(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func marshal(frame any) []byte {
	data, _ := json.Marshal(frame)
	return data
}

// writeDirect marshals and writes a frame outside the pump. Used only
// during the registration handshake, before the connection is handed to
// its pump.
func writeDirect(ws *websocket.Conn, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// pingLoop keeps the peer's read side alive and detects dead ones.
// WriteControl is safe concurrently with the pump's data writes.
func pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func setupReadLiveness(ws *websocket.Conn) {
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// replayAfterLayouts covers RFC3339 (fractional seconds optional) plus the
// zone-less form some clients emit, which is taken as UTC.
var replayAfterLayouts = []struct {
	layout string
	utc    bool
}{
	{time.RFC3339Nano, false},
	{"2006-01-02T15:04:05.999999999", true},
	{"2006-01-02T15:04:05", true},
}

func parseReplayAfter(value string) (int64, bool) {
	for _, l := range replayAfterLayouts {
		var ts time.Time
		var err error
		if l.utc {
			ts, err = time.ParseInLocation(l.layout, value, time.UTC)
		} else {
			ts, err = time.Parse(l.layout, value)
		}
		if err == nil {
			return ts.UnixMilli(), true
		}
	}
	return 0, false
}
