package handlers

import (
	"errors"
	"net/http"

	"campuscruiser/auth"

	"github.com/gin-gonic/gin"
)

// AdminLogin handles POST /api/admin/login and issues a console JWT.
func (h *Handlers) AdminLogin(c *gin.Context) {
	var req struct {
		AdminID  string `json:"adminId" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	id, err := h.admins.Authenticate(req.AdminID, req.Password)
	if errors.Is(err, auth.ErrBadCredentials) {
		h.log.WithField("admin_id", req.AdminID).Info("admin login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": err.Error()})
		return
	}
	if err != nil {
		h.fail(c, err, nil)
		return
	}

	token, expires, err := h.issuer.Issue(id)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"expiresAt": expires.Unix(),
		"identity":  id,
	})
}

// Health handles GET /api/health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ws": "/ws"})
}
