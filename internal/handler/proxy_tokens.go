package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agent-portal/internal/auth"
	"agent-portal/internal/middleware"
	"agent-portal/internal/store"
)

type ProxyTokenHandler struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
}

type createTokenBody struct {
	Name          string `json:"name"`
	ExpiresInDays *int   `json:"expiresInDays"`
}

// Create mints a proxy JWT and stores only its hash. The raw token is
// returned exactly once.
func (h *ProxyTokenHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createTokenBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	user, err := h.Store.GetUser(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	token, err := auth.CreateToken(user.ID, user.Email, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	now := time.Now().UnixMilli()
	var expiresAt *int64
	if body.ExpiresInDays != nil && *body.ExpiresInDays > 0 {
		at := now + int64(*body.ExpiresInDays)*24*int64(time.Hour/time.Millisecond)
		expiresAt = &at
	}

	row, err := h.Store.CreateProxyToken(user.ID, body.Name, auth.HashToken(token), expiresAt, now)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": gin.H{
		"id":        row.ID,
		"name":      row.Name,
		"token":     token,
		"createdAt": row.CreatedAt,
		"expiresAt": row.ExpiresAt,
	}})
}

func (h *ProxyTokenHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	rows, err := h.Store.ListProxyTokens(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tokens"})
		return
	}
	resp := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, gin.H{
			"id":         row.ID,
			"name":       row.Name,
			"createdAt":  row.CreatedAt,
			"lastUsedAt": row.LastUsedAt,
			"expiresAt":  row.ExpiresAt,
			"revoked":    row.Revoked,
		})
	}
	c.JSON(http.StatusOK, gin.H{"tokens": resp})
}

func (h *ProxyTokenHandler) Revoke(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	err := h.Store.RevokeProxyToken(c.Param("id"), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Token not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
