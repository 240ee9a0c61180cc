// Command webchat runs the chat-room backend.
package main

import (
	"context"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/httan304/webchat-sub000/internal/bootstrap"
	"github.com/httan304/webchat-sub000/internal/chat"
	"github.com/httan304/webchat-sub000/internal/config"
	"github.com/httan304/webchat-sub000/pkg/log"
	redispkg "github.com/httan304/webchat-sub000/pkg/redis"
	"github.com/httan304/webchat-sub000/pkg/resilience/bulkhead"
	"github.com/httan304/webchat-sub000/pkg/resilience/cache"
	"github.com/httan304/webchat-sub000/pkg/resilience/circuitbreaker"
	"github.com/httan304/webchat-sub000/pkg/resilience/ratelimit"
	"github.com/httan304/webchat-sub000/pkg/telemetry"
	zaplog "github.com/httan304/webchat-sub000/pkg/zap"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		// No logger yet; stderr is all we have.
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")

		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		os.Stderr.WriteString("logger error: " + err.Error() + "\n")

		return err
	}

	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:       "webchat",
		ServiceVersion:    cfg.ServiceVersion,
		DeploymentEnv:     cfg.Env,
		CollectorEndpoint: cfg.TelemetryEndpoint,
		Enabled:           cfg.TelemetryEnabled,
		Logger:            logger,
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "telemetry init failed", log.Err(err))

		return err
	}

	store, err := redispkg.New(ctx, redispkg.Config{
		Topology: redispkg.Topology{
			Standalone: &redispkg.StandaloneTopology{Address: cfg.RedisAddress},
		},
		Password: cfg.RedisPassword,
		Options:  redispkg.ConnectionOptions{DB: cfg.RedisDB},
		Logger:   logger,
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "redis connect failed", log.Err(err))

		return err
	}

	db, err := chat.OpenDatabase(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Log(ctx, log.LevelError, "postgres connect failed", log.Err(err))

		return err
	}

	repo, err := chat.NewRepository(db)
	if err != nil {
		return err
	}

	limiter, err := ratelimit.New(store, logger)
	if err != nil {
		return err
	}

	breaker, err := circuitbreaker.New(store, logger)
	if err != nil {
		return err
	}

	pool, err := bulkhead.New(store, logger)
	if err != nil {
		return err
	}

	cacheLayer, err := cache.New(store, logger)
	if err != nil {
		return err
	}

	var events *chat.EventPublisher

	if cfg.RabbitMQEnabled {
		events, err = chat.NewEventPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Log(ctx, log.LevelError, "rabbitmq connect failed", log.Err(err))

			return err
		}
	}

	service, err := chat.NewService(repo, limiter, breaker, pool, cacheLayer, events, logger, chat.Settings{
		MessageRate: ratelimit.Config{
			MaxRequests: cfg.MessageRateMaxRequests,
			Window:      cfg.MessageRateWindow,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold:    cfg.BreakerFailureThreshold,
			OpenDuration:        cfg.BreakerOpenDuration,
			HalfOpenMaxAttempts: cfg.BreakerHalfOpenMaxAttempts,
		},
		Bulkhead: bulkhead.Config{
			Name:           "postgres",
			MaxConcurrency: cfg.BulkheadMaxConcurrency,
			TTL:            cfg.BulkheadTTL,
		},
		RoomTTL:     cfg.RoomCacheTTL,
		MessagesTTL: cfg.MessagesCacheTTL,
	})
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:               "webchat",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	chat.NewHealthHandler(store, repo).Register(app)
	chat.NewHandler(service, logger).RegisterRoutes(app)

	manager := bootstrap.NewServerManager(app, cfg.HTTPAddress, tel, logger, cfg.ShutdownTimeout)
	manager.OnShutdown(func() {
		if err := events.Close(); err != nil {
			logger.Log(ctx, log.LevelWarn, "rabbitmq close failed", log.Err(err))
		}

		if err := db.Close(); err != nil {
			logger.Log(ctx, log.LevelWarn, "postgres close failed", log.Err(err))
		}

		if err := store.Close(); err != nil {
			logger.Log(ctx, log.LevelWarn, "redis close failed", log.Err(err))
		}
	})

	return manager.Run(ctx)
}

func newLogger(cfg *config.Config) (log.Logger, error) {
	if cfg.Env == "development" {
		return zaplog.NewDevelopment()
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	return zaplog.New(level)
}
