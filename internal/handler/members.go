package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"agent-portal/internal/middleware"
	"agent-portal/internal/model"
	"agent-portal/internal/store"
)

type MemberHandler struct {
	Store *store.Store
}

type addMemberBody struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (h *MemberHandler) List(c *gin.Context) {
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

	members, err := h.Store.ListMembers(sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list members"})
		return
	}
	resp := make([]gin.H, 0, len(members))
	for _, m := range members {
		resp = append(resp, gin.H{
			"userId":    m.UserID,
			"role":      m.Role,
			"createdAt": m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"members": resp})
}

func (h *MemberHandler) Add(c *gin.Context) {
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

	var body addMemberBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Role != model.RoleEditor && body.Role != model.RoleViewer {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid role"})
		return
	}

	target, err := h.Store.GetUserByEmail(body.Email)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if target.ID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot change own role"})
		return
	}

	member, err := h.Store.AddMember(sessionID, target.ID, body.Role, time.Now().UnixMilli())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to add member"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": gin.H{
		"userId":    member.UserID,
		"role":      member.Role,
		"createdAt": member.CreatedAt,
	}})
}

func (h *MemberHandler) Remove(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	sessionID := c.Param("id")
	targetID := c.Param("userId")

	role, err := h.Store.MemberRole(sessionID, userID)
	if err != nil || role != model.RoleOwner {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	if err := h.Store.RemoveMember(sessionID, targetID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Member not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
