package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mahaj/garage-relay/pkg/config"
	"github.com/mahaj/garage-relay/pkg/db"
	"github.com/mahaj/garage-relay/pkg/snowflake"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

type member struct {
	conversation, user string
}

func parseMembers(entries []string) ([]member, error) {
	var out []member
	for _, e := range entries {
		conv, user, ok := strings.Cut(e, "=")
		if !ok || conv == "" || user == "" {
			return nil, fmt.Errorf("bad --add-member %q, want conversation=user", e)
		}
		out = append(out, member{conv, user})
	}
	return out, nil
}

func main() {
	configPath := pflag.String("config", "config.yaml", "path to the YAML config file")
	skipSchema := pflag.Bool("skip-schema", false, "only add members")
	adds := pflag.StringArray("add-member", nil, "conversation=user to insert into conversation_members (repeatable)")
	pflag.Parse()

	base, err := config.Load(*configPath, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	cfg, err := config.ApplyEnv(base, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	logger, closer, err := config.NewLogger(cfg.LogLevel, "", "migrate")
	if err != nil {
		log.Fatal().Err(err).Msg("logger")
	}
	defer closer.Close()

	members, err := parseMembers(*adds)
	if err != nil {
		logger.Fatal().Err(err).Send()
	}

	ctx := context.Background()
	if !*skipSchema {
		if err := db.EnsureSchema(ctx, cfg.Storage.Hosts, cfg.Storage.Keyspace, cfg.Storage.Timeout, logger); err != nil {
			logger.Fatal().Err(err).Msg("schema")
		}
	}
	if len(members) == 0 {
		return
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

	for _, m := range members {
		if err := store.AddMember(ctx, m.conversation, m.user); err != nil {
			logger.Error().Err(err).Str("conversation", m.conversation).Str("user", m.user).Msg("add member failed")
			os.Exit(1)
		}
		logger.Info().Str("conversation", m.conversation).Str("user", m.user).Msg("member added")
	}
}
