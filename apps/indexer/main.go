package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mahaj/garage-relay/pkg/config"
	"github.com/mahaj/garage-relay/pkg/db"
	"github.com/mahaj/garage-relay/pkg/events"
	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/snowflake"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// indexer is the slice of db.Store the consumer writes through.
type indexer interface {
	IndexConversation(ctx context.Context, env model.Envelope) error
}

func handler(idx indexer) func(context.Context, model.Envelope) error {
	return func(ctx context.Context, env model.Envelope) error {
		if env.Kind == model.KindSystem {
			return nil
		}
		return idx.IndexConversation(ctx, env)
	}
}

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML config file")
	groupID := pflag.String("group", "indexer-group", "kafka consumer group")
	pflag.Parse()

	base, err := config.Load(*configPath, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	cfg, err := config.ApplyEnv(base, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	logger, closer, err := config.NewLogger(cfg.LogLevel, cfg.LogFile, "indexer")
	if err != nil {
		log.Fatal().Err(err).Msg("logger")
	}
	defer closer.Close()

	if len(cfg.Kafka.Brokers) == 0 {
		logger.Fatal().Msg("kafka.brokers is empty; nothing to consume")
	}

	session, err := db.NewSession(cfg.Storage.Hosts, cfg.Storage.Keyspace, cfg.Storage.Timeout, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to scylla")
	}
	defer session.Close()

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal().Err(err).Msg("snowflake")
	}
	store := db.NewStore(session, ids, logger)

	consumer := events.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, *groupID, logger)
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("topic", cfg.Kafka.Topic).Str("group", *groupID).Msg("starting kafka consumer")
	if err := consumer.Run(ctx, handler(store)); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("consumer stopped")
	}
}
