package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MarkViewed handles POST /api/conversations/:id/viewed. Directory failures
// are best-effort, so this always succeeds once authorized.
func (h *Handlers) MarkViewed(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	ctx, cancel := h.reqContext(c)
	defer cancel()

	convID, err := h.chat.View(ctx, id, c.Param("id"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": convID, "viewerRole": id.Role()})
}

// GetConversation handles GET /api/conversations/:id. A conversation with no
// messages yet has no summary and returns null.
func (h *Handlers) GetConversation(c *gin.Context) {
	h.summary(c, c.Param("id"))
}

// GetMyConversation handles GET /api/me/conversation.
func (h *Handlers) GetMyConversation(c *gin.Context) {
	h.summary(c, "")
}

func (h *Handlers) summary(c *gin.Context, conversationID string) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	ctx, cancel := h.reqContext(c)
	defer cancel()

	sum, err := h.chat.Summary(ctx, id, conversationID)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// ListConversations handles GET /api/conversations (admin inbox).
func (h *Handlers) ListConversations(c *gin.Context) {
	id, ok := h.identity(c)
	if !ok {
		return
	}
	ctx, cancel := h.reqContext(c)
	defer cancel()

	list, err := h.chat.Inbox(ctx, id)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list, "count": len(list)})
}
