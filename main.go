package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"campuscruiser/auth"
	"campuscruiser/chat"
	"campuscruiser/config"
	"campuscruiser/database"
	"campuscruiser/handlers"
	"campuscruiser/logger"
	"campuscruiser/middleware"
	"campuscruiser/push"
	"campuscruiser/routes"
	"campuscruiser/store"
	"campuscruiser/websocket"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type backend struct {
	messages  store.MessageStore
	directory store.Directory
	pushSubs  store.PushSubscriptions
	close     func(context.Context)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	if err := logger.Init(&logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		Output:     cfg.LogOutput,
		Path:       cfg.LogPath,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}); err != nil {
		logrus.WithError(err).Fatal("failed to initialize logging")
	}
	log := logger.App()
	log.WithFields(logrus.Fields{"env": cfg.AppEnv, "backend": cfg.StoreBackend}).Info("starting campuscruiser chat")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store backend")
	}

	provider, issuer, err := identityProviders(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to configure identity providers")
	}
	admins, err := auth.ParseAdminAccounts(cfg.AdminAccounts)
	if err != nil {
		log.WithError(err).Fatal("invalid ADMIN_ACCOUNTS")
	}

	notifier := push.NewNotifier(push.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
	}, be.pushSubs, logger.Get("push"))
	if !notifier.Enabled() {
		log.Warn("VAPID keys not set, push notifications disabled (run cmd/vapidkeys)")
	}

	svc := chat.NewService(be.messages, be.directory, notifier, logger.Chat())

	if cfg.GinMode == gin.ReleaseMode || cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	wsManager := websocket.NewManager(svc, provider, logger.WS())
	go wsManager.Start(ctx)

	router := routes.SetupRouter(routes.Deps{
		Handlers: handlers.New(handlers.Options{
			Chat:    svc,
			Push:    notifier,
			Admins:  admins,
			Issuer:  issuer,
			Timeout: cfg.StoreTimeout,
			Log:     logger.HTTP(),
		}),
		WebSocket:   wsManager,
		Provider:    provider,
		RateLimiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		CORSOrigins: cfg.CORSOrigins,
		Log:         logger.HTTP(),
	})

	server := &http.Server{
		Addr:        cfg.Address,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: websocket connections are long-lived
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.WithField("address", cfg.Address).Info("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("forced shutdown")
	}
	notifier.Wait()
	be.close(shutdownCtx)
	log.Info("server stopped")
}

func openBackend(ctx context.Context, cfg *config.Configuration, log *logrus.Logger) (*backend, error) {
	if cfg.StoreBackend == config.BackendMemory {
		messages := store.NewMemoryStore(cfg.SubscriberBuffer)
		directory := store.NewMemoryDirectory(cfg.SubscriberBuffer)
		log.Warn("using in-memory store, data is lost on restart")
		return &backend{
			messages:  messages,
			directory: directory,
			pushSubs:  store.NewMemoryPushSubscriptions(),
			close: func(context.Context) {
				messages.Close()
				directory.Close()
			},
		}, nil
	}

	var (
		db  *database.DB
		err error
	)
	for attempt := 1; attempt <= 3; attempt++ {
		db, err = database.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err == nil {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Warn("mongodb connection attempt failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	log.WithField("database", cfg.MongoDatabase).Info("mongodb connected")

	return &backend{
		messages:  store.NewMongoMessageStore(db, cfg.SubscriberBuffer),
		directory: store.NewMongoDirectory(db, cfg.SubscriberBuffer),
		pushSubs:  store.NewMongoPushSubscriptions(db),
		close: func(ctx context.Context) {
			if err := db.Disconnect(ctx); err != nil {
				log.WithError(err).Warn("mongodb disconnect failed")
			}
		},
	}, nil
}

// identityProviders builds the token chain: Firebase ID tokens first when
// configured, then console JWTs.
func identityProviders(ctx context.Context, cfg *config.Configuration, log *logrus.Logger) (auth.Chain, *auth.JWTProvider, error) {
	issuer, err := auth.NewJWTProvider(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return nil, nil, err
	}
	var chain auth.Chain
	if cfg.FirebaseEnabled() {
		fb, err := auth.NewFirebaseProvider(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsPath, cfg.FirebaseAdminUIDs)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, fb)
		log.WithField("project_id", cfg.FirebaseProjectID).Info("firebase sign-in enabled")
	}
	chain = append(chain, issuer)
	return chain, issuer, nil
}
