package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adityaadpandey/callroom/internals/appointment"
	"github.com/adityaadpandey/callroom/internals/auth"
	"github.com/adityaadpandey/callroom/internals/call"
	"github.com/adityaadpandey/callroom/internals/config"
	"github.com/adityaadpandey/callroom/internals/presence"
	"github.com/adityaadpandey/callroom/internals/server"
	"github.com/adityaadpandey/callroom/internals/signaling"
	"github.com/adityaadpandey/callroom/internals/store"
	"github.com/adityaadpandey/callroom/internals/utils"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := utils.GetLogger()
	defer logger.Sync()

	if cfg.Auth.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	ctx := context.Background()
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	mongoDB := connectMongo(ctx, cfg, logger)

	rooms, storeName, redisClient := openStore(ctx, cfg, mongoDB, logger)
	closers = append(closers, rooms)
	if mongoDB != nil && storeName != "mongo" {
		closers = append(closers, closerFunc(func() error {
			return mongoDB.Client().Disconnect(context.Background())
		}))
	}

	var directory interface {
		appointment.Directory
		appointment.Profiles
	}
	if mongoDB != nil {
		directory = appointment.NewMongoDirectory(mongoDB)
	} else {
		logger.Warn("No appointment directory configured, linked rooms will not authorize")
		directory = appointment.NewMemoryDirectory()
	}

	registry := presence.NewRegistry()
	calls := call.NewService(call.Config{
		ICE: call.ICEConfig{
			STUNURL:        cfg.WebRTC.STUNURL,
			TURNURL:        cfg.WebRTC.TURNURL,
			TURNUsername:   cfg.WebRTC.TURNUsername,
			TURNCredential: cfg.WebRTC.TURNCredential,
		},
		StoreTimeout: cfg.Store.Timeout,
	}, rooms, directory, directory, registry, logger)

	authn := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	relay := signaling.NewRelay(calls, signaling.NewHub(logger), authn, signaling.Config{
		Client: signaling.ClientConfig{
			ReadLimit:    cfg.Signaling.WSReadLimit,
			WriteTimeout: cfg.Signaling.WSWriteTimeout,
			PongTimeout:  cfg.Signaling.WSPongTimeout,
			PingInterval: cfg.Signaling.WSPingInterval,
		},
		RateLimitPerSec: cfg.Signaling.RateLimitPerSec,
		RateLimitBurst:  cfg.Signaling.RateLimitBurst,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxRoomIDLength: cfg.Signaling.MaxRoomIDLength,
	}, logger)
	calls.SetBroadcaster(relay)

	var fanout *signaling.Fanout
	if cfg.Signaling.PubSubEnabled {
		if redisClient == nil {
			client, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
			if err != nil {
				logger.Warn("Redis unavailable, room broadcasts stay on this instance", zap.Error(err))
			} else {
				redisClient = client
				closers = append(closers, client)
			}
		}
		if redisClient != nil {
			fanout = signaling.NewFanout(redisClient, relay.Hub(), cfg.Signaling.InstanceID, logger)
			relay.SetFanout(fanout)
			closers = append(closers, fanout)
		}
	}

	srv := server.New(server.Options{
		Config:    cfg,
		Calls:     calls,
		Relay:     relay,
		Auth:      authn,
		Rooms:     rooms,
		StoreName: storeName,
		Fanout:    fanout,
		Logger:    logger,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Failed to start call server", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Received shutdown signal")
	srv.Stop()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// connectMongo returns nil when MongoDB is not configured or unreachable.
func connectMongo(ctx context.Context, cfg *config.Config, logger *zap.Logger) *mongo.Database {
	if cfg.Mongo.URI == "" {
		return nil
	}
	client, err := store.NewMongoClient(ctx, cfg.Mongo.URI, logger)
	if err != nil {
		logger.Warn("MongoDB unavailable", zap.Error(err))
		return nil
	}
	return client.Database(cfg.Mongo.Database)
}

// openStore picks the room store named by STORE_DRIVER, falling back to
// memory when the backend cannot be reached. The redis client is returned so
// pub/sub can share it.
func openStore(ctx context.Context, cfg *config.Config, mongoDB *mongo.Database, logger *zap.Logger) (store.RoomStore, string, *redis.Client) {
	switch cfg.Store.Driver {
	case "redis":
		client, err := store.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err == nil {
			return store.NewRedisStore(client, logger), "redis", client
		}
		logger.Warn("Redis unavailable, falling back to memory room store", zap.Error(err))
	case "mongo":
		if mongoDB != nil {
			s, err := store.NewMongoStore(ctx, mongoDB, logger)
			if err == nil {
				return s, "mongo", nil
			}
			logger.Warn("MongoDB room store setup failed, falling back to memory", zap.Error(err))
		} else {
			logger.Warn("MongoDB unavailable, falling back to memory room store")
		}
	case "memory":
	default:
		logger.Warn("Unknown store driver, using memory", zap.String("driver", cfg.Store.Driver))
	}
	return store.NewMemoryStore(), "memory", nil
}
