package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/access"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/config"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/database"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/relay"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/server"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/transport"
	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/users"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) (err error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, sqlDB.Close())
	}()

	registry := metrics.New()
	engine := crdt.NewEngine()

	store, err := documents.NewStore(documents.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	directory, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	accessService, err := access.NewService(access.ServiceConfig{
		Database:  db,
		Owners:    store,
		Directory: directory,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	adapter, err := persistence.New(persistence.Config{
		Store:         store,
		Engine:        engine,
		Logger:        logger,
		Metrics:       registry,
		RetryBase:     appConfig.PersistenceRetryBase,
		RetryMax:      appConfig.PersistenceRetryMax,
		DegradedAfter: appConfig.PersistenceDegradedAfter,
	})
	if err != nil {
		return err
	}

	limiterStore, closeLimiterStore, err := newLimiterStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeLimiterStore())
	}()
	limiter, err := ratelimit.New(ratelimit.Config{
		Policy:  appConfig.RateLimitPolicy,
		Store:   limiterStore,
		Logger:  logger,
		Metrics: registry,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	roomRelay, err := relay.New(relay.Config{
		Verifier:       validator,
		Access:         accessService,
		Limiter:        limiter,
		Persister:      adapter,
		Engine:         engine,
		Logger:         logger,
		Metrics:        registry,
		PresenceTTL:    appConfig.PresenceTTL,
		RoomQueueSize:  appConfig.RoomQueueSize,
		SendBufferSize: appConfig.SendBufferSize,
		WriteTimeout:   appConfig.WebSocketWriteWait,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:   validator,
		Documents:   store,
		Access:      accessService,
		Persistence: adapter,
		Relay:       roomRelay,
		Limiter:     limiter,
		Users:       directory,
		Metrics:     registry,
		Upgrader: transport.NewUpgrader(appConfig.CORSOrigins, transport.Options{
			WriteWait:      appConfig.WebSocketWriteWait,
			PongWait:       appConfig.WebSocketPongWait,
			MaxMessageSize: appConfig.WebSocketMaxMessageSize,
		}),
		AllowedOrigins: appConfig.CORSOrigins,
		AdminRole:      appConfig.AdminRole,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return roomRelay.RunPresenceSweeper(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Sockets stop before rooms close so no join races the shutdown.
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		roomRelay.Shutdown()
		return multierr.Append(shutdownErr, adapter.Close(shutdownCtx))
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLimiterStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (ratelimit.Store, func() error, error) {
	if appConfig.RateLimitStore != config.RateLimitStoreRedis {
		return ratelimit.NewMemoryStore(), func() error { return nil }, nil
	}
	client := ratelimit.NewRedisClient(appConfig.Redis)
	redisStore := ratelimit.NewRedisStore(client, appConfig.Redis.KeyPrefix)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := redisStore.Ping(pingCtx); err != nil {
		// Limits fail open while redis is down.
		logger.Warn("redis rate limit store unreachable at startup", zap.String("address", appConfig.Redis.Address), zap.Error(err))
	}
	return redisStore, client.Close, nil
}
