package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/breakroom/gatekeeper/api"
	"github.com/breakroom/gatekeeper/internal/config"
	"github.com/breakroom/gatekeeper/internal/database"
	"github.com/breakroom/gatekeeper/internal/events"
	"github.com/breakroom/gatekeeper/internal/middleware"
	"github.com/breakroom/gatekeeper/internal/ratelimit"
	"github.com/breakroom/gatekeeper/internal/realtime"
	"github.com/breakroom/gatekeeper/internal/session"
	"github.com/breakroom/gatekeeper/internal/telemetry"
	"github.com/breakroom/gatekeeper/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	manager := config.NewManager(zapLogger)
	if err := manager.Load(); err != nil {
		zapLogger.Fatal("failed to load configuration", zap.Error(err))
	}
	defer manager.Close()
	cfg := manager.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prometheus owns metrics; OTel carries traces only.
	otelShutdown, err := telemetry.Setup(ctx, telemetry.Options{EnableTracing: true})
	if err != nil {
		zapLogger.Fatal("failed to set up telemetry", zap.Error(err))
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			zapLogger.Error("telemetry shutdown failed", zap.Error(err))
		}
	}()

	// Counter store: Redis shared across nodes, with the in-process store as
	// the single-node fallback.
	var counterStore ratelimit.Store
	var memStore *ratelimit.MemoryStore
	redisClient, err := ratelimit.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		zapLogger.Warn("redis unreachable, using in-process counter store",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err))
		memStore = ratelimit.NewMemoryStore()
		counterStore = memStore
	} else {
		defer redisClient.Close()
		counterStore = ratelimit.NewRedisStore(redisClient)
	}

	failMode := ratelimit.FailOpen
	if cfg.RateLimit.FailMode == "closed" {
		failMode = ratelimit.FailClosed
	}
	limiter := ratelimit.NewLimiter(counterStore, zapLogger, ratelimit.Options{
		FailMode:     failMode,
		Timeout:      cfg.RateLimit.StoreTimeout,
		RetryBackoff: cfg.RateLimit.RetryBackoff,
	})

	policies := ratelimit.NewPolicies(policiesFrom(cfg.RateLimit.Policies)...)
	manager.OnReload(func(prev, next *config.Config) error {
		policies.Replace(policiesFrom(next.RateLimit.Policies))
		zapLogger.Info("rate limit policies reloaded",
			zap.Int("configured", len(next.RateLimit.Policies)))
		return nil
	})

	db, err := database.NewPostgres(cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	sessionStore, err := session.NewStore(db, zapLogger, nil)
	if err != nil {
		zapLogger.Fatal("failed to prepare session store", zap.Error(err))
	}

	var pub events.Publisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		kafkaPub := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Events.Brokers,
			Topic:        cfg.Events.Topic,
			Compression:  cfg.Events.Compression,
			BatchSize:    cfg.Events.BatchSize,
			BatchTimeout: cfg.Events.BatchTimeout,
			Async:        cfg.Events.Async,
			NodeID:       cfg.NodeID,
		}, zapLogger)
		defer kafkaPub.Close()
		pub = kafkaPub
	}

	sessionGuard := session.NewGuard(sessionStore, zapLogger, pub, nil, session.Thresholds{
		TTL:                 cfg.Session.TTL,
		RotateAfter:         cfg.Session.RotateAfter,
		RotateAfterRequests: cfg.Session.RotateAfterRequests,
	})

	chain := middleware.NewChain(sessionGuard, limiter, policies, pub, middleware.CookieConfig{
		Name:   cfg.Session.CookieName,
		Domain: cfg.Session.CookieDomain,
		TTL:    cfg.Session.TTL,
		Secure: cfg.Environment == "production",
	}, cfg.NodeID, zapLogger)

	registry := realtime.NewRegistry(cfg.Realtime.RoomCapacity)
	channelGuard := realtime.NewChannelGuard(limiter, policies, realtime.GuardConfig{
		TokenSecret: []byte(cfg.Realtime.TokenSecret),
		EventPolicy: cfg.Realtime.EventPolicy,
	}, nil, nil, zapLogger)
	blocker := realtime.NewIPBlocker(nil, cfg.Realtime.IPMaxFailures, cfg.Realtime.IPBlockFor)
	hub := realtime.NewHub(realtime.HubConfig{
		AuthTimeout:     cfg.Realtime.AuthTimeout,
		WriteTimeout:    cfg.Realtime.WriteTimeout,
		PongTimeout:     cfg.Realtime.PongTimeout,
		PingInterval:    cfg.Realtime.PingInterval,
		IdleTimeout:     cfg.Realtime.IdleTimeout,
		MaxMessageBytes: cfg.Realtime.MaxMessageBytes,
		SendBuffer:      cfg.Realtime.SendBuffer,
		FloodRate:       cfg.Realtime.FloodRate,
		FloodBurst:      cfg.Realtime.FloodBurst,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	}, registry, channelGuard, blocker, pub, nil, zapLogger)

	server := api.NewServer(api.Config{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		HSTS:           cfg.Environment == "production",
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, zapLogger, chain, limiter, policies, sessionStore, hub, api.Handlers{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		<-gctx.Done()
		zapLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.Session.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				cleanupCtx, cancel := context.WithTimeout(gctx, 30*time.Second)
				if _, err := sessionStore.CleanupExpired(cleanupCtx); err != nil {
					zapLogger.Error("session cleanup failed", zap.Error(err))
				}
				cancel()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.RateLimit.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				blocker.Sweep(time.Now())
				hub.CloseIdle()
				if memStore != nil {
					memStore.Sweep(time.Now())
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				database.RecordPoolStats(db)
			}
		}
	})

	zapLogger.Info("gatekeeper started",
		zap.String("environment", cfg.Environment),
		zap.String("node_id", cfg.NodeID),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("fail_mode", string(failMode)))

	if err := g.Wait(); err != nil {
		zapLogger.Fatal("server error", zap.Error(err))
	}
	zapLogger.Info("server exited properly")
}

// policiesFrom maps configured policy entries onto the registry type.
func policiesFrom(entries []config.PolicyConfig) []ratelimit.Policy {
	out := make([]ratelimit.Policy, 0, len(entries))
	for _, e := range entries {
		out = append(out, ratelimit.Policy{
			Name:     e.Name,
			Requests: e.Requests,
			Period:   e.Period,
			Scope:    ratelimit.Scope(e.Scope),
			Burst:    e.Burst,
			Sliding:  e.Sliding,
			BlockFor: e.BlockFor,
		})
	}
	return out
}
