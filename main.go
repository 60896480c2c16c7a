package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/api"
	"board-sync/engine"
	"board-sync/storage"
	"board-sync/subscription"
)

func main() {
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)
	logger.WithFields(log.Fields{"transport": cfg.transport, "poll_interval": cfg.engine.PollInterval}).Info("board sync starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.provision {
		if err := storage.Provision(ctx, cfg.storageConn,
			[]string{cfg.boardsTable, cfg.columnsTable, cfg.tasksTable},
			[]string{cfg.commandQueue},
		); err != nil {
			logger.Fatalf("provision storage: %v", err)
		}
	}
	store, err := storage.New(cfg.storageConn, cfg.boardsTable, cfg.columnsTable, cfg.tasksTable, cfg.commandQueue)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	rc := redis.NewClient(parseRedisOptions(cfg.redisConn))
	defer rc.Close()
	cache := storage.NewCache(store, rc, cfg.cacheTTL)

	events := logger.WithField("component", "events")
	var transport subscription.Transport
	var publisher api.EventPublisher
	switch cfg.transport {
	case transportWebSocket:
		transport = subscription.NewWebSocketTransport(cfg.eventsWSURL, cfg.subscribeRetry, events)
	default:
		transport = subscription.NewRedisTransport(rc, cfg.subscribeRetry, events)
		publisher = subscription.NewPublisher(rc)
	}

	auth, err := newAuth(cfg)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	registry := api.NewRegistry(engine.Deps{
		Fetcher:   cache,
		Transport: transport,
		Mutator:   cache,
		Logger:    logger,
	}, cfg.engine)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Workspace-Id"},
	}))
	api.Register(e, registry, auth, publisher, logger)

	go func() {
		if err := e.Start(":" + cfg.port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	registry.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
}

func newAuth(cfg config) (*api.Auth, error) {
	if cfg.authTestMode {
		return api.NewAuth(nil, "", ""), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.auth0Audience, "https://"+cfg.auth0Domain+"/"), nil
}
