package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agent-portal/internal/auth"
	"agent-portal/internal/hub"
	"agent-portal/internal/protocol"
	"agent-portal/internal/router"
	"agent-portal/internal/store"
)

// ClientWSHandler terminates /ws/client connections from viewers. The
// session cookie is checked before the upgrade; the session itself comes
// from the viewer's Register frame.
type ClientWSHandler struct {
	Store         *store.Store
	Registry      *router.Registry
	Hub           *hub.Hub
	TokenConfig   auth.TokenConfig
	QueueCapacity int
}

func (h *ClientWSHandler) Serve(c *gin.Context) {
	cookie, err := c.Cookie(auth.SessionCookieName)
	if err != nil || cookie == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(cookie, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ws.SetReadLimit(maxFrameSize)
	reg, ok := h.readRegister(ws)
	if !ok {
		_ = ws.Close()
		return
	}

	role, err := h.Store.MemberRole(reg.SessionID, claims.UserID)
	if err != nil {
		// Missing membership and missing session answer the same way.
		_ = writeDirect(ws, protocol.Error{Type: protocol.TypeError, Message: "session not found"})
		_ = ws.Close()
		return
	}

	replayAfter := int64(0)
	if reg.ReplayAfter != nil && *reg.ReplayAfter != "" {
		ms, parsed := parseReplayAfter(*reg.ReplayAfter)
		if !parsed {
			_ = writeDirect(ws, protocol.Error{Type: protocol.TypeError, Message: "invalid replay_after"})
			_ = ws.Close()
			return
		}
		replayAfter = ms
	}

	if err := writeDirect(ws, protocol.RegisterAck{
		Type: protocol.TypeRegisterAck, Success: true, SessionID: reg.SessionID,
	}); err != nil {
		_ = ws.Close()
		return
	}

	conn := hub.NewConnection(claims.UserID, reg.SessionID, &wsWriter{conn: ws}, h.QueueCapacity)
	h.Hub.Register(conn)
	h.Registry.Subscribe(reg.SessionID, conn, claims.UserID, role, replayAfter)
	defer func() {
		h.Registry.Unsubscribe(reg.SessionID, conn)
		h.Hub.Unregister(conn)
		conn.Close("")
	}()

	setupReadLiveness(ws)

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }
	defer closeDone()
	go pingLoop(ws, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			conn.Send(marshal(protocol.Error{Type: protocol.TypeError, Message: "malformed frame"}))
			conn.Close("")
			return
		}
		if _, isRegister := frame.(*protocol.Register); isRegister {
			conn.Send(marshal(protocol.Error{Type: protocol.TypeError, Message: "already registered"}))
			conn.Close("")
			return
		}
		h.Registry.ViewerFrame(reg.SessionID, conn, claims.UserID, role, frame)
	}
}

func (h *ClientWSHandler) readRegister(ws *websocket.Conn) (*protocol.Register, bool) {
	ws.SetReadDeadline(time.Now().Add(registerWait))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, false
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		_ = writeDirect(ws, protocol.Error{Type: protocol.TypeError, Message: "malformed frame"})
		return nil, false
	}
	reg, isRegister := frame.(*protocol.Register)
	if !isRegister || reg.SessionID == "" {
		_ = writeDirect(ws, protocol.Error{Type: protocol.TypeError, Message: "expected Register with session_id"})
		return nil, false
	}
	return reg, true
}
