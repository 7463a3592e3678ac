package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/yapstream/internal/api"
	"github.com/lalith-99/yapstream/internal/chat"
	"github.com/lalith-99/yapstream/internal/config"
	"github.com/lalith-99/yapstream/internal/db"
	"github.com/lalith-99/yapstream/internal/directory"
	"github.com/lalith-99/yapstream/internal/matching"
	"github.com/lalith-99/yapstream/internal/observ"
	"github.com/lalith-99/yapstream/internal/realtime"
	"github.com/lalith-99/yapstream/internal/repository"
	"github.com/lalith-99/yapstream/internal/repository/memory"
	"github.com/lalith-99/yapstream/internal/repository/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type stores struct {
	messages repository.MessageRepository
	channels repository.ChannelRepository
	matches  repository.MatchRepository
	profiles repository.ProfileRepository
}

func run() error {
	// ---------------------------------------------------------------
	// 1. Config and logger
	// ---------------------------------------------------------------
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// SIGINT/SIGTERM cancel ctx, which stops the server, the change feed
	// and every open websocket.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------------------------------------------------------
	// 2. Metrics
	// ---------------------------------------------------------------
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observ.NewMetrics(registry)
	countEvent := func(kind string) { metrics.TransportEvents.WithLabelValues(kind).Inc() }

	checks := map[string]api.HealthCheck{}

	// ---------------------------------------------------------------
	// 3. Realtime transport
	// ---------------------------------------------------------------
	var transport realtime.Transport
	switch cfg.Transport {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		transport = realtime.NewRedisHub(client, logger,
			realtime.WithRedisPrefix(cfg.RedisPrefix),
			realtime.WithPresenceTTL(cfg.PresenceTTL),
			realtime.WithRedisEvents(countEvent),
		)
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	default:
		transport = realtime.NewMemoryHub(logger, realtime.WithMemoryEvents(countEvent))
	}

	// ---------------------------------------------------------------
	// 4. Stores
	//
	// Postgres rows reach live subscribers through the change feed; the
	// memory stores publish their own changes.
	// ---------------------------------------------------------------
	var (
		repos stores
		feed  *postgres.ChangeFeed
	)
	switch cfg.Store {
	case "postgres":
		database, err := db.New(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns), logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer database.Close()

		if cfg.Migrate {
			if err := database.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}

		pool := database.Pool()
		repos = stores{
			messages: postgres.NewMessageStore(pool),
			channels: postgres.NewChannelStore(pool),
			matches:  postgres.NewMatchStore(pool),
			profiles: postgres.NewProfileStore(pool),
		}
		feed = postgres.NewChangeFeed(pool, transport, logger)
		checks["postgres"] = database.Health
	default:
		logger.Warn("using in-memory stores, data is lost on restart")
		repos = stores{
			messages: memory.NewMessageStore(transport, logger),
			channels: memory.NewChannelStore(transport, logger),
			matches:  memory.NewMatchStore(),
			profiles: memory.NewProfileStore(),
		}
	}

	// ---------------------------------------------------------------
	// 5. Chat core
	// ---------------------------------------------------------------
	matchStore := matching.NewStore(repos.matches, &matching.Availability{}, logger, metrics)
	queue := matching.NewQueue(transport, matchStore, logger,
		matching.WithCooldown(cfg.MatchCooldown),
		matching.WithProfiles(repos.profiles),
		matching.WithMetrics(metrics),
	)
	reader, _ := transport.(realtime.PresenceReader)
	departures := matching.NewDepartures(matchStore, reader, cfg.MatchLeaveGrace, logger)
	dir := directory.New(repos.channels, repos.messages, logger)
	access := api.NewRoomAccess(repos.channels, matchStore)

	// ---------------------------------------------------------------
	// 6. HTTP
	// ---------------------------------------------------------------
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Handlers{
		Auth:     api.NewAuthHandler(repos.profiles, cfg.JWTSecret, cfg.TokenTTL, cfg.AdminEmails, logger),
		Users:    api.NewUserHandler(repos.profiles, logger),
		Channels: api.NewChannelHandler(dir, logger),
		Messages: api.NewMessageHandler(repos.messages, access, metrics, logger),
		Live: api.NewLiveHandler(transport, repos.messages, access, departures, metrics, logger,
			chat.WithTyping(cfg.TypingTTL, cfg.TypingIdle),
		),
		Matches: api.NewMatchHandler(queue, matchStore, repos.profiles, logger),
		Health:  api.NewHealthHandler(checks, matchStore, logger),
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, cfg.JWTSecret, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked websocket connections are not tracked by Shutdown, so
		// their handlers watch ctx instead.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// ---------------------------------------------------------------
	// 7. Run until a signal or the first failure
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting yapstream",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.Store),
			zap.String("transport", cfg.Transport),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if feed != nil {
		g.Go(func() error {
			if err := feed.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("change feed: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}
