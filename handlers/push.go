package handlers

import (
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
)

func (h *Handlers) GetVapidPublicKey(c *gin.Context) {
	if h.push == nil || !h.push.Enabled() {
		c.JSON(http.StatusOK, gin.H{
			"error":   "VAPID public key not configured",
			"message": "Contact administrator",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.push.PublicKey()})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
		Keys     struct {
			P256dh string `json:"p256dh" binding:"required"`
			Auth   string `json:"auth" binding:"required"`
		} `json:"keys" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	if h.push == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push_disabled"})
		return
	}

	ctx, cancel := h.reqContext(c)
	defer cancel()

	err := h.push.Subscribe(ctx, id, webpush.Subscription{
		Endpoint: req.Endpoint,
		Keys:     webpush.Keys{P256dh: req.Keys.P256dh, Auth: req.Keys.Auth},
	})
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	h.log.WithField("subject", id.Subject).Info("push subscription saved")
	c.JSON(http.StatusOK, gin.H{"message": "Push subscription saved successfully"})
}
