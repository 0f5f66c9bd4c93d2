package handler

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agent-portal/internal/auth"
	"agent-portal/internal/hub"
	"agent-portal/internal/model"
	"agent-portal/internal/protocol"
	"agent-portal/internal/router"
	"agent-portal/internal/store"
)

// Registration attempts allowed on one socket. A resume miss burns one;
// the fresh retry must land within the remainder.
const maxRegisterAttempts = 3

// ProxyWSHandler terminates /ws/session connections from proxies.
type ProxyWSHandler struct {
	Store         *store.Store
	Registry      *router.Registry
	TokenConfig   auth.TokenConfig
	DevMode       bool
	QueueCapacity int
}

func (h *ProxyWSHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ws.SetReadLimit(maxFrameSize)
	sessionID, userID, ok := h.register(ws)
	if !ok {
		_ = ws.Close()
		return
	}

	conn := hub.NewConnection(userID, sessionID, &wsWriter{conn: ws}, h.QueueCapacity)
	h.Registry.AttachProxy(sessionID, conn)
	defer func() {
		h.Registry.DetachProxy(sessionID, conn)
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
		h.Registry.ProxyFrame(sessionID, conn, frame)
	}
}

// register runs the handshake: the first frame must be a Register. A
// resume of a session the backend no longer has is answered with a
// failure ack and the loop continues, so the proxy can re-register a
// fresh session on the same socket.
func (h *ProxyWSHandler) register(ws *websocket.Conn) (sessionID, userID string, ok bool) {
	for attempt := 0; attempt < maxRegisterAttempts; attempt++ {
		ws.SetReadDeadline(time.Now().Add(registerWait))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return "", "", false
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			_ = writeDirect(ws, protocol.Error{Type: protocol.TypeError, Message: "malformed frame"})
			return "", "", false
		}
		reg, isRegister := frame.(*protocol.Register)
		if !isRegister {
			_ = writeDirect(ws, protocol.Error{Type: protocol.TypeError, Message: "expected Register"})
			return "", "", false
		}
		if reg.SessionID == "" {
			_ = writeDirect(ws, registerFailure(reg.SessionID, "session_id required"))
			return "", "", false
		}

		user, err := h.authenticate(reg.AuthToken)
		if err != nil {
			_ = writeDirect(ws, registerFailure(reg.SessionID, "authentication failed"))
			return "", "", false
		}

		now := time.Now().UnixMilli()
		sess, err := h.Store.GetSession(reg.SessionID)
		switch {
		case err == nil:
			if sess.UserID != user.ID {
				_ = writeDirect(ws, registerFailure(reg.SessionID, "session not found"))
				return "", "", false
			}
			if err := h.Store.ReactivateSession(reg.SessionID, reg.SessionName,
				reg.WorkingDirectory, reg.GitBranch, reg.ClientVersion, now); err != nil {
				_ = writeDirect(ws, registerFailure(reg.SessionID, "registration failed"))
				return "", "", false
			}
			return reg.SessionID, user.ID, true

		case errors.Is(err, store.ErrNotFound):
			if reg.Resuming {
				_ = writeDirect(ws, registerFailure(reg.SessionID, "session not found"))
				continue
			}
			agentType := reg.AgentType
			if agentType == "" {
				agentType = "claude"
			}
			err := h.Store.CreateSession(model.Session{
				ID:               reg.SessionID,
				UserID:           user.ID,
				SessionName:      reg.SessionName,
				WorkingDirectory: reg.WorkingDirectory,
				Status:           protocol.StatusActive,
				LastActivity:     now,
				GitBranch:        reg.GitBranch,
				ClientVersion:    reg.ClientVersion,
				AgentType:        agentType,
				CreatedAt:        now,
				UpdatedAt:        now,
			})
			if err != nil {
				_ = writeDirect(ws, registerFailure(reg.SessionID, "registration failed"))
				return "", "", false
			}
			return reg.SessionID, user.ID, true

		default:
			_ = writeDirect(ws, registerFailure(reg.SessionID, "registration failed"))
			return "", "", false
		}
	}
	return "", "", false
}

// authenticate resolves the Register auth_token to a user. The JWT must
// verify and its hash must match a live proxy_auth_tokens row; dev mode
// with an empty token maps to the fixed dev user.
func (h *ProxyWSHandler) authenticate(token string) (model.User, error) {
	now := time.Now().UnixMilli()
	if token == "" {
		if h.DevMode {
			return h.Store.GetOrCreateUserByEmail(devUserEmail, devUserName, now)
		}
		return model.User{}, errors.New("auth token required")
	}

	claims, err := auth.VerifyToken(token, h.TokenConfig)
	if err != nil {
		return model.User{}, err
	}
	row, err := h.Store.GetProxyTokenByHash(auth.HashToken(token), now)
	if err != nil {
		return model.User{}, err
	}
	if row.UserID != claims.UserID {
		return model.User{}, errors.New("token user mismatch")
	}
	if err := h.Store.TouchProxyToken(row.ID, now); err != nil {
		return model.User{}, err
	}
	return h.Store.GetUser(claims.UserID)
}

func registerFailure(sessionID, reason string) protocol.RegisterAck {
	return protocol.RegisterAck{
		Type:      protocol.TypeRegisterAck,
		Success:   false,
		SessionID: sessionID,
		Error:     &reason,
	}
}
