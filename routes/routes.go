package routes

import (
	"net/http"
	"strings"
	"time"

	"campuscruiser/auth"
	"campuscruiser/handlers"
	"campuscruiser/metrics"
	"campuscruiser/middleware"
	"campuscruiser/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Deps struct {
	Handlers    *handlers.Handlers
	WebSocket   *websocket.Manager
	Provider    auth.Provider
	RateLimiter *middleware.RateLimiter
	CORSOrigins []string
	Log         *logrus.Logger
}

func SetupRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(d.Log))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-Requested-With", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(d.CORSOrigins) == 1 && d.CORSOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = d.CORSOrigins
	}
	router.Use(cors.New(corsCfg))

	h := d.Handlers

	// Public routes
	router.GET("/api/health", h.Health)
	router.GET("/api/vapid-public-key", h.GetVapidPublicKey)
	router.POST("/api/admin/login", h.AdminLogin)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ws", gin.WrapF(d.WebSocket.Handler()))

	protected := router.Group("/api")
	protected.Use(middleware.Authenticate(d.Provider, d.Log))

	limited := protected.Group("")
	limited.Use(d.RateLimiter.Middleware())

	// Messages
	limited.POST("/messages", h.SendMessage)
	limited.POST("/conversations/:id/messages", h.SendToConversation)
	protected.GET("/conversations/:id/messages", h.GetMessages)

	// Conversations
	protected.POST("/conversations/:id/viewed", h.MarkViewed)
	protected.GET("/conversations/:id", h.GetConversation)
	protected.GET("/me/conversation", h.GetMyConversation)
	protected.GET("/conversations", middleware.RequireAdmin(), h.ListConversations)

	// Push subscriptions
	limited.POST("/push/subscribe", h.SubscribePush)

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "Endpoint not found",
				"path":    c.Request.URL.Path,
				"message": "Check the API documentation for available endpoints",
			})
			return
		}
		c.Status(http.StatusNotFound)
	})

	return router
}
