package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/garage-relay/pkg/auth"
	"github.com/mahaj/garage-relay/pkg/cache"
	"github.com/mahaj/garage-relay/pkg/config"
	"github.com/mahaj/garage-relay/pkg/db"
	"github.com/mahaj/garage-relay/pkg/snowflake"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML config file")
	listen := pflag.String("listen", ":8081", "address for the REST API")
	pflag.Parse()

	base, err := config.Load(*configPath, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	cfg, err := config.ApplyEnv(base, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Storage.Type != config.StorageScylla {
		log.Fatal().Str("storage", cfg.Storage.Type).Msg("the api reads history from scylla only")
	}

	logger, closer, err := config.NewLogger(cfg.LogLevel, cfg.LogFile, "api")
	if err != nil {
		log.Fatal().Err(err).Msg("logger")
	}
	defer closer.Close()

	tokens, err := auth.NewJWTIdentity(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("jwt")
	}

	session, err := db.NewSession(cfg.Storage.Hosts, cfg.Storage.Keyspace, cfg.Storage.Timeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to scylla")
	}
	defer session.Close()

	// The api never writes messages, so the id node is only a formality.
	ids, err := snowflake.NewNode(0)
	if err != nil {
		logger.Fatal().Err(err).Msg("snowflake")
	}

	api := &API{
		store:  db.NewStore(session, ids, logger),
		tokens: tokens,
		logger: logger.With().Str("component", "api").Logger(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Redis.Addr != "" {
		rdb, err := cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, /online disabled")
		} else {
			defer rdb.Close()
			api.online = cache.NewRedisPresence(rdb, logger)
		}
	}

	srv := &http.Server{Addr: *listen, Handler: api.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", *listen).Msg("api service starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("api server failed")
	}
}
