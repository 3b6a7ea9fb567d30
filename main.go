package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"market-chat/internal/auth"
	"market-chat/internal/config"
	"market-chat/internal/db"
	"market-chat/internal/feed"
	"market-chat/internal/handlers"
	"market-chat/internal/logging"
	"market-chat/internal/middleware"
	"market-chat/internal/observability"
	"market-chat/internal/rabbitmq"
	"market-chat/internal/repositories"
	"market-chat/internal/session"
	"market-chat/internal/telemetry"
	"market-chat/internal/ws"
)

const serviceName = "market-chat"

func main() {
	cfg, err := config.Load(os.Getenv("MARKET_CHAT_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTel.Endpoint, serviceName, cfg.Env, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	hub := feed.NewHub(cfg.Feed.Buffer, logger)
	publisher, closeFeed := startFeed(ctx, cfg, hub, logger)
	defer closeFeed()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open message store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	events := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.Audit.Exchange, logger)
	defer events.Close()
	observability.SetPublisher(events)
	logger.Info("event publisher ready", "mode", rabbitmq.PublisherMode(events), "noop_reason", rabbitmq.PublisherNoopReason(events))
	audit := telemetry.NewAuditEmitter(events, cfg.Audit.RoutingKey, serviceName, cfg.Env, logger)

	manager := session.NewManager(repositories.NewNotifying(store, publisher, logger), hub, session.Config{
		FetchTimeout: cfg.Session.FetchTimeout,
		WriteTimeout: cfg.Session.WriteTimeout,
		RetryDelay:   cfg.Session.RetryDelay,
		ReconnectMax: cfg.Session.ReconnectMaxInterval,
	}, logger)
	defer manager.CloseAll()

	validator := auth.NewHMACValidator(cfg.Auth.JWTSecret)
	sessionHandler := handlers.NewSessionHandler(manager, validator, audit)
	sessionWS := ws.NewSessionWebSocketHandler(ws.NewHub(logger), manager)

	if cfg.Env != "dev" && cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "feed_connected": hub.Connected(), "sessions": manager.Len()})
	})
	handlers.RegisterDebugRoutes(router, audit, cfg.Debug.Enabled)

	authed := router.Group("/", middleware.AuthMiddleware(validator))
	sessionHandler.Register(authed)
	authed.GET("/ws/sessions/:session_id", sessionWS.Handle)

	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: router}
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	manager.CloseAll()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
}

// startFeed runs the configured change feed transport. Writes are published
// through the transport so every instance, this one included, sees them.
func startFeed(ctx context.Context, cfg *config.Config, hub *feed.Hub, logger *slog.Logger) (feed.Publisher, func()) {
	var transport feed.Transport
	switch cfg.Feed.Driver {
	case "amqp":
		transport = feed.NewAMQPTransport(cfg.AMQP.URL, cfg.AMQP.Exchange, hub, logger)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		transport = feed.NewRedisTransport(client, cfg.Redis.Channel, hub, logger)
	default:
		hub.SetConnected(true)
		logger.Info("change feed running in-process")
		return hub, func() {}
	}

	go func() {
		if err := transport.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("change feed stopped", "driver", cfg.Feed.Driver, "error", err)
		}
	}()
	logger.Info("change feed started", "driver", cfg.Feed.Driver)
	return transport, func() { _ = transport.Close() }
}

func openStore(cfg *config.Config, logger *slog.Logger) (repositories.MessageStore, func(), error) {
	switch cfg.Store.Driver {
	case "scylla":
		s, err := db.NewScyllaSession(cfg.Scylla, logger)
		if err != nil {
			return nil, nil, err
		}
		return repositories.NewScyllaMessageRepo(s, logger), s.Close, nil
	case "memory":
		logger.Warn("using in-memory message store")
		return repositories.NewMemoryMessageRepo(), func() {}, nil
	default:
		database, err := db.Connect(cfg.Postgres.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return repositories.NewMessageRepo(database), func() { _ = database.Close() }, nil
	}
}
