package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Tables lists the CREATE statements the store relies on, in order.
var Tables = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id bigint,
		sender_id text,
		content text,
		kind text,
		created_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id text,
		user_id text,
		joined_at timestamp,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_counters (
		user_id text,
		conversation_id text,
		unread_count counter,
		PRIMARY KEY (user_id, conversation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id text,
		last_message_id bigint,
		last_updated timestamp,
		PRIMARY KEY (user_id, conversation_id)
	)`,
}

func keyspaceStmt(keyspace string, replication int) string {
	return fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
}

// EnsureSchema creates the keyspace through the system keyspace, then every
// table in Tables.
func EnsureSchema(ctx context.Context, hosts []string, keyspace string, timeout time.Duration, logger zerolog.Logger) error {
	sys, err := NewSession(hosts, "system", timeout, logger)
	if err != nil {
		return fmt.Errorf("connect to system keyspace: %w", err)
	}
	err = sys.Exec(ctx, keyspaceStmt(keyspace, 1))
	sys.Close()
	if err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}

	session, err := NewSession(hosts, keyspace, timeout, logger)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", keyspace, err)
	}
	defer session.Close()
	return createTables(ctx, session, logger)
}

func createTables(ctx context.Context, s execer, logger zerolog.Logger) error {
	for _, stmt := range Tables {
		if err := s.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	logger.Info().Int("tables", len(Tables)).Msg("schema ready")
	return nil
}
