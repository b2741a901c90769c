// Package cache mirrors confirmed presence transitions into Redis so other
// services can read who is online without asking the gateway.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	OnlineKey   = "presence:online"
	LastSeenKey = "presence:last_seen"
)

type redisClient interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// RedisPresence keeps the set of online user ids in OnlineKey and the last
// transition time per user in the LastSeenKey hash.
type RedisPresence struct {
	client redisClient
	logger zerolog.Logger
}

func NewRedisPresence(client *redis.Client, logger zerolog.Logger) *RedisPresence {
	return newRedisPresence(client, logger)
}

func newRedisPresence(client redisClient, logger zerolog.Logger) *RedisPresence {
	return &RedisPresence{client: client, logger: logger.With().Str("component", "redis-presence").Logger()}
}

// Dial connects to addr and pings it once.
func Dial(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (p *RedisPresence) MarkOnline(ctx context.Context, userID string, at time.Time) error {
	if err := p.client.SAdd(ctx, OnlineKey, userID).Err(); err != nil {
		return fmt.Errorf("mark %s online: %w", userID, err)
	}
	return p.touch(ctx, userID, at)
}

func (p *RedisPresence) MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	if err := p.client.SRem(ctx, OnlineKey, userID).Err(); err != nil {
		return fmt.Errorf("mark %s offline: %w", userID, err)
	}
	return p.touch(ctx, userID, lastSeen)
}

func (p *RedisPresence) touch(ctx context.Context, userID string, at time.Time) error {
	if err := p.client.HSet(ctx, LastSeenKey, userID, at.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("record last seen for %s: %w", userID, err)
	}
	p.logger.Debug().Str("user", userID).Time("at", at).Msg("presence written")
	return nil
}

// Online lists every user currently marked online.
func (p *RedisPresence) Online(ctx context.Context) ([]string, error) {
	return p.client.SMembers(ctx, OnlineKey).Result()
}

// LastSeen returns the last recorded transition time, or the zero time if
// the user was never seen.
func (p *RedisPresence) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	v, err := p.client.HGet(ctx, LastSeenKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}
