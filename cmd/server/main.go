package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camhub/internal/api"
	"github.com/technosupport/ts-camhub/internal/auth"
	"github.com/technosupport/ts-camhub/internal/config"
	"github.com/technosupport/ts-camhub/internal/data"
	"github.com/technosupport/ts-camhub/internal/events"
	"github.com/technosupport/ts-camhub/internal/metrics"
	"github.com/technosupport/ts-camhub/internal/middleware"
	"github.com/technosupport/ts-camhub/internal/presence"
	"github.com/technosupport/ts-camhub/internal/registry"
	"github.com/technosupport/ts-camhub/internal/signaling"
	"github.com/technosupport/ts-camhub/internal/tokens"
	"github.com/technosupport/ts-camhub/internal/turn"
)

func main() {
	configPath := flag.String("config", "config/default.yaml", "Path to config file")
	flag.Parse()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "camhub").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Auth.JWTSigningKey == "" {
		log.Fatal().Msg("JWT signing key is required (auth.jwt_signing_key or JWT_SIGNING_KEY)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}
	log.Info().Str("host", cfg.Database.Host).Msg("Connected to database")

	// Presence falls back to in-process state when redis is not
	// configured, which is enough for a single-node hub.
	var store presence.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("Failed to ping redis")
		}
		defer rdb.Close()
		store = presence.NewRedisStore(rdb)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to redis")
	} else {
		store = presence.NewMemoryStore()
		log.Warn().Msg("No redis configured, using in-memory presence")
	}

	// Event fanout is best effort: a missing broker degrades to local-only
	// operation instead of blocking startup.
	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, events disabled")
		} else {
			defer nc.Close()
			publisher = events.NewPublisher(nc, cfg.NATS.Subject, 3)
			defer publisher.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
		}
	}

	minter := turn.NewMinter(cfg.Turn.Host, cfg.Turn.PublicHost, cfg.Turn.Port, cfg.Turn.Secret)
	if cfg.Turn.SecretFile != "" {
		err := config.WatchSecretFile(ctx, cfg.Turn.SecretFile, minter.SetSecret, log)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Turn.SecretFile).Msg("Failed to watch TURN secret file")
		}
	}

	tokenManager := tokens.NewManager(cfg.Auth.JWTSigningKey, cfg.Auth.TokenTTL)
	tokenCache, err := auth.NewTokenCache(tokenManager, cfg.Auth.TokenCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build token cache")
	}

	reg := registry.New(log)
	collector := metrics.NewCollector(reg)
	go collector.Start(ctx)

	users := data.UserModel{DB: db}
	devices := data.DeviceModel{DB: db}
	pairing := data.PairingModel{DB: db}
	sessions := data.SessionModel{DB: db}

	router := &signaling.Router{
		Registry: reg,
		Presence: store,
		Devices:  devices,
		Sessions: sessions,
		Tokens:   tokenCache,
		Turn:     minter,
		Events:   publisher,
		Metrics:  collector,
		Log:      log,
	}
	go router.RunSweeper(ctx)

	handler := api.NewRouter(api.Handlers{
		Auth:    &api.AuthHandler{Users: users, Tokens: tokenManager, Log: log},
		Devices: &api.DeviceHandler{DB: db, Devices: devices, Pairing: pairing, Registry: reg, Log: log},
		Proxy:   &api.ProxyHandler{Registry: reg, Presence: store, Metrics: collector, Log: log},
		WS:      api.NewWSHandler(router, log),
		Health:  &api.HealthHandler{Version: cfg.Server.Version},
		Metrics: collector.Handler(),
		JWTAuth: middleware.NewJWTAuth(tokenCache),
		Log:     log,
	})

	// No Read/WriteTimeout: the websocket endpoints manage their own
	// per-frame deadlines, and server-wide timeouts would sever them.
	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("version", cfg.Server.Version).Msg("Hub listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	router.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	log.Info().Msg("Stopped")
}
