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
	"github.com/mahaj/garage-relay/pkg/events"
	"github.com/mahaj/garage-relay/pkg/memstore"
	"github.com/mahaj/garage-relay/pkg/relay"
	"github.com/mahaj/garage-relay/pkg/snowflake"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML config file")
	storageType := pflag.String("storage", "", "override storage.type (scylla or memory)")
	seed := pflag.StringSlice("seed", nil, "memory storage only: conversation=user1+user2 entries to preload")
	pflag.Parse()

	base, err := config.Load(*configPath, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *storageType != "" {
		base.Storage.Type = *storageType
	}
	cfg, err := config.ApplyEnv(base, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	logger, closer, err := config.NewLogger(cfg.LogLevel, cfg.LogFile, "gateway")
	if err != nil {
		log.Fatal().Err(err).Msg("logger")
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *seed, logger); err != nil {
		logger.Error().Err(err).Msg("gateway stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, seed []string, logger zerolog.Logger) error {
	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return err
	}
	identity, err := auth.NewJWTIdentity(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	deps := relay.Deps{Identity: identity}
	switch cfg.Storage.Type {
	case config.StorageMemory:
		store := memstore.New(ids)
		if err := seedMembers(store, seed); err != nil {
			return err
		}
		deps.Storage = store
		logger.Warn().Msg("using in-memory storage; messages are lost on restart")
	default:
		session, err := db.NewSession(cfg.Storage.Hosts, cfg.Storage.Keyspace, cfg.Storage.Timeout, logger)
		if err != nil {
			return err
		}
		defer session.Close()
		deps.Storage = db.NewStore(session, ids, logger)
	}

	if cfg.Redis.Addr != "" {
		rdb, err := cache.Dial(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, presence stays in-process")
		} else {
			defer rdb.Close()
			deps.PresenceStore = cache.NewRedisPresence(rdb, logger)
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer pub.Close()
		deps.Publisher = pub
	}

	gw, err := relay.NewGateway(deps, relay.Options{
		OutboundQueueSize: cfg.OutboundQueueSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		PresenceDebounce:  cfg.Presence.Debounce,
		LivenessInterval:  cfg.Liveness.Interval,
		StorageTimeout:    cfg.Storage.Timeout,
	}, logger)
	if err != nil {
		return err
	}
	gw.Start(ctx)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Str("storage", cfg.Storage.Type).Msg("gateway service starting")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("gateway drain incomplete")
	}
	return srv.Shutdown(shutdownCtx)
}
