package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"campuscruiser/auth"
	"campuscruiser/chat"
	"campuscruiser/middleware"
	"campuscruiser/push"
	"campuscruiser/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handlers serves the chat HTTP API.
type Handlers struct {
	chat    *chat.Service
	push    *push.Notifier
	admins  auth.AdminAccounts
	issuer  *auth.JWTProvider
	timeout time.Duration
	log     *logrus.Logger
}

type Options struct {
	Chat    *chat.Service
	Push    *push.Notifier
	Admins  auth.AdminAccounts
	Issuer  *auth.JWTProvider
	Timeout time.Duration
	Log     *logrus.Logger
}

func New(opts Options) *Handlers {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Handlers{
		chat:    opts.Chat,
		push:    opts.Push,
		admins:  opts.Admins,
		issuer:  opts.Issuer,
		timeout: opts.Timeout,
		log:     opts.Log,
	}
}

func (h *Handlers) reqContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *Handlers) identity(c *gin.Context) (auth.Identity, bool) {
	id, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "Authentication required"})
	}
	return id, ok
}

// fail writes the error response for err. extra is merged into the body.
func (h *Handlers) fail(c *gin.Context, err error, extra gin.H) {
	status, body := errorBody(err)
	for k, v := range extra {
		body[k] = v
	}
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).WithField("path", c.FullPath()).Warn("request failed")
	}
	c.JSON(status, body)
}

func errorBody(err error) (int, gin.H) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error(), "retryable": false}
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": "store_unavailable", "message": "Chat is temporarily unavailable", "retryable": true}
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": err.Error()}
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()}
	case errors.Is(err, push.ErrDisabled):
		return http.StatusServiceUnavailable, gin.H{"error": "push_disabled", "message": err.Error(), "retryable": false}
	default:
		return http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Something went wrong"}
	}
}
