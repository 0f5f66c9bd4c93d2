package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agent-portal/internal/auth"
	"agent-portal/internal/middleware"
	"agent-portal/internal/store"
)

// AuthHandler owns the dev-mode login flow. Production deployments sit
// behind an external identity provider that sets the same cookie.
type AuthHandler struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	DevMode     bool
}

type devLoginBody struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (h *AuthHandler) DevLogin(c *gin.Context) {
	if !h.DevMode {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}

	var body devLoginBody
	if err := c.ShouldBindJSON(&body); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Email == "" {
		body.Email = devUserEmail
	}
	if body.Name == "" {
		body.Name = devUserName
	}

	user, err := h.Store.GetOrCreateUserByEmail(body.Email, body.Name, time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	token, err := auth.CreateToken(user.ID, user.Email, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookieName, token, int(h.TokenConfig.Expiry.Seconds()), "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true, "user": gin.H{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
	}})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	user, err := h.Store.GetUser(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": gin.H{
		"id":    user.ID,
		"email": user.Email,
		"name":  user.Name,
	}})
}
