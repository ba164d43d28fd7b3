package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/roomchat/internal/api"
	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
)

func main() {
	config := server.NewConfigFromEnv()

	log, err := server.ConfigureLogging(config.LogLevel, config.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid logging configuration")
	}
	if err := config.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	server.SetConfig(config)
	gin.SetMode(gin.ReleaseMode)

	log.Info("Starting roomchat server...")

	db, err := store.Open(config.Database.Driver, config.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	rooms := store.NewRooms(db)

	tokens, err := auth.NewTokens(config.JWTSecret, config.JWTExpiry)
	if err != nil {
		log.WithError(err).Fatal("Failed to set up tokens")
	}
	authService := auth.NewService(store.NewUsers(db), tokens)

	registry := chat.NewRegistry(chat.WithRememberTTL(config.ReconnectWindow))
	protocol := chat.NewProtocol(registry, chat.NewRouter(registry), authService, rooms, store.NewMessages(db), config.HistoryLimit)

	hub := server.NewHub(protocol)
	go hub.Run()

	rateLimit, redisClient := httpRateLimit(config, log)
	restAPI := api.New(api.Options{
		Auth:          authService,
		Tokens:        tokens,
		Rooms:         rooms,
		Presence:      protocol,
		UploadDir:     config.UploadDir,
		MaxUploadSize: config.MaxUploadSize,
		RateLimit:     rateLimit,
	})

	httpServer := server.CreateServer(config.Port, server.SetupRoutes(hub, restAPI, log))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	exitCode := 0
	if err := server.ShutdownServer(httpServer, config.ShutdownTimeout); err != nil {
		exitCode = 1
	}
	if err := hub.Shutdown(config.ShutdownTimeout); err != nil {
		log.WithError(err).Warn("Hub did not shut down cleanly")
		exitCode = 1
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			log.WithError(err).Warn("Failed to close database")
		}
	}

	log.Info("Server stopped")
	os.Exit(exitCode)
}

// httpRateLimit returns the Redis-backed limiter when REDIS_ADDR is set and
// reachable, and the in-memory one otherwise.
func httpRateLimit(config *server.Config, log *logrus.Logger) (gin.HandlerFunc, *redis.Client) {
	limit := config.HTTPRateLimit
	if config.Redis.Addr == "" {
		return api.MemoryRateLimit(limit.Requests, limit.Window), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.WithError(err).WithField("addr", config.Redis.Addr).Warn("Redis unavailable, using in-memory rate limiting")
		_ = client.Close()
		return api.MemoryRateLimit(limit.Requests, limit.Window), nil
	}

	log.WithField("addr", config.Redis.Addr).Info("Using Redis for HTTP rate limiting")
	return api.RedisRateLimit(client, limit.Requests, limit.Window), client
}
