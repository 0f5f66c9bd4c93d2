package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"agent-portal/internal/middleware"
	"agent-portal/internal/model"
	"agent-portal/internal/router"
	"agent-portal/internal/store"
)

type SessionHandler struct {
	Store    *store.Store
	Registry *router.Registry
}

func sessionJSON(sess model.Session) gin.H {
	return gin.H{
		"id":                  sess.ID,
		"sessionName":         sess.SessionName,
		"workingDirectory":    sess.WorkingDirectory,
		"status":              sess.Status,
		"lastActivity":        sess.LastActivity,
		"gitBranch":           sess.GitBranch,
		"totalCostUsd":        sess.TotalCostUSD,
		"inputTokens":         sess.InputTokens,
		"outputTokens":        sess.OutputTokens,
		"cacheCreationTokens": sess.CacheCreationTokens,
		"cacheReadTokens":     sess.CacheReadTokens,
		"clientVersion":       sess.ClientVersion,
		"agentType":           sess.AgentType,
		"createdAt":           sess.CreatedAt,
		"updatedAt":           sess.UpdatedAt,
	}
}

func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessions, err := h.Store.ListSessionsForUser(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
		return
	}

	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sessionJSON(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	if _, err := h.Store.MemberRole(sessionID, userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	sess, err := h.Store.GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *SessionHandler) Messages(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	if _, err := h.Store.MemberRole(sessionID, userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		after = v
	}

	limit := 200
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		limit = v
	}
	if limit > 1000 {
		limit = 1000
	}

	msgs, err := h.Store.ReadMessagesAfter(sessionID, after, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read messages"})
		return
	}

	resp := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, gin.H{
			"id":        m.ID,
			"role":      m.Role,
			"content":   m.Content,
			"seq":       m.Seq,
			"createdAt": m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")

	role, err := h.Store.MemberRole(sessionID, userID)
	if err != nil || role != model.RoleOwner {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	h.Registry.CloseSession(sessionID, "session deleted")
	if err := h.Store.DeleteSession(sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
