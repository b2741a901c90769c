// Package db holds the Scylla session, the relay's schema and the Scylla
// backed message store.
package db

import (
	"context"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string, timeout time.Duration, logger zerolog.Logger) (*Session, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = timeout
	cluster.ConnectTimeout = timeout

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	logger.Info().Strs("hosts", hosts).Str("keyspace", keyspace).Msg("connected to scylla")
	return &Session{Session: session}, nil
}

// Exec runs a statement that returns no rows.
func (s *Session) Exec(ctx context.Context, stmt string, values ...any) error {
	return s.Query(stmt, values...).WithContext(ctx).Exec()
}

// Column reads the first column of every row as a string.
func (s *Session) Column(ctx context.Context, stmt string, values ...any) ([]string, error) {
	iter := s.Query(stmt, values...).WithContext(ctx).Iter()
	var (
		out []string
		v   string
	)
	for iter.Scan(&v) {
		out = append(out, v)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// Each scans every row into dest and calls fn after each one.
func (s *Session) Each(ctx context.Context, stmt string, values []any, dest []any, fn func()) error {
	iter := s.Query(stmt, values...).WithContext(ctx).Iter()
	for iter.Scan(dest...) {
		fn()
	}
	return iter.Close()
}
