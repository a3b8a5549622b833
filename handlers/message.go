package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type sendRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	ClientToken    string `json:"clientToken"`
}

// SendMessage handles POST /api/messages. Users always write to their own
// conversation; admins name the target in the body.
func (h *Handlers) SendMessage(c *gin.Context) {
	h.send(c, "")
}

// SendToConversation handles POST /api/conversations/:id/messages.
func (h *Handlers) SendToConversation(c *gin.Context) {
	h.send(c, c.Param("id"))
}

func (h *Handlers) send(c *gin.Context, conversationID string) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error(), "retryable": false})
		return
	}
	if conversationID == "" {
		conversationID = req.ConversationID
	}

	ctx, cancel := h.reqContext(c)
	defer cancel()

	msg, err := h.chat.Send(ctx, id, conversationID, req.Text, req.ClientToken)
	if err != nil {
		// the composer keeps the text so the user can resubmit
		h.fail(c, err, gin.H{"text": req.Text})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// GetMessages handles GET /api/conversations/:id/messages.
func (h *Handlers) GetMessages(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	ctx, cancel := h.reqContext(c)
	defer cancel()

	msgs, err := h.chat.History(ctx, id, c.Param("id"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": c.Param("id"), "messages": msgs})
}
