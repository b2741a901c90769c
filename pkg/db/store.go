package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/snowflake"
	"github.com/rs/zerolog"
)

const (
	insertMessage = `INSERT INTO messages (conversation_id, id, sender_id, content, kind, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	selectMembers = `SELECT user_id FROM conversation_members WHERE conversation_id = ?`
	insertMember  = `INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES (?, ?, ?)`
	bumpUnread    = `UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE user_id = ? AND conversation_id = ?`
	resetUnread   = `DELETE FROM conversation_counters WHERE user_id = ? AND conversation_id = ?`
	touchInbox    = `INSERT INTO user_conversations (user_id, conversation_id, last_message_id, last_updated) VALUES (?, ?, ?, ?)`
	selectInbox   = `SELECT conversation_id, last_message_id, last_updated FROM user_conversations WHERE user_id = ?`
	selectUnread  = `SELECT conversation_id, unread_count FROM conversation_counters WHERE user_id = ?`
	selectHistory = `SELECT id, sender_id, content, kind, created_at FROM messages WHERE conversation_id = ? LIMIT ?`
	selectBefore  = `SELECT id, sender_id, content, kind, created_at FROM messages WHERE conversation_id = ? AND id < ? LIMIT ?`
)

type execer interface {
	Exec(ctx context.Context, stmt string, values ...any) error
}

// querier is the slice of *Session the store needs.
type querier interface {
	execer
	Column(ctx context.Context, stmt string, values ...any) ([]string, error)
	Each(ctx context.Context, stmt string, values []any, dest []any, fn func()) error
}

// Store persists messages in Scylla and reads membership from
// conversation_members.
type Store struct {
	q      querier
	ids    *snowflake.Node
	logger zerolog.Logger
}

func NewStore(s *Session, ids *snowflake.Node, logger zerolog.Logger) *Store {
	return newStore(s, ids, logger)
}

func newStore(q querier, ids *snowflake.Node, logger zerolog.Logger) *Store {
	return &Store{q: q, ids: ids, logger: logger.With().Str("component", "scylla-store").Logger()}
}

// PersistMessage writes the message row, then bumps the unread counter of
// every recipient. Counter failures are logged; the message is already
// durable by then.
func (s *Store) PersistMessage(ctx context.Context, env model.Envelope) (model.Envelope, error) {
	if env.ConversationID == "" {
		return model.Envelope{}, errors.New("scylla store: empty conversation id")
	}
	env.ID = s.ids.Generate()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	if err := s.q.Exec(ctx, insertMessage, env.ConversationID, env.ID, env.SenderID, env.Payload, string(env.Kind), env.CreatedAt); err != nil {
		return model.Envelope{}, err
	}

	for _, u := range env.Recipients {
		if u == env.SenderID {
			continue
		}
		if err := s.q.Exec(ctx, bumpUnread, u, env.ConversationID); err != nil {
			s.logger.Warn().Err(err).Str("user", u).Str("conversation", env.ConversationID).Msg("unread counter update failed")
		}
	}
	return env, nil
}

func (s *Store) GetConversationMembers(ctx context.Context, conversationID string) ([]string, error) {
	return s.q.Column(ctx, selectMembers, conversationID)
}

// MarkRead resets the user's counter. Deleting the row is the only way to
// zero a Scylla counter.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, _ int64) error {
	return s.q.Exec(ctx, resetUnread, userID, conversationID)
}

func (s *Store) AddMember(ctx context.Context, conversationID, userID string) error {
	return s.q.Exec(ctx, insertMember, conversationID, userID, time.Now().UTC())
}

// IndexConversation records env as the latest activity of the conversation
// for the sender and every recipient. The indexer calls it from the event
// stream; the relay never does.
func (s *Store) IndexConversation(ctx context.Context, env model.Envelope) error {
	users := append([]string{env.SenderID}, env.Recipients...)
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		if _, dup := seen[u]; dup || u == "" {
			continue
		}
		seen[u] = struct{}{}
		if err := s.q.Exec(ctx, touchInbox, u, env.ConversationID, env.ID, env.CreatedAt); err != nil {
			return fmt.Errorf("index %s for %s: %w", env.ConversationID, u, err)
		}
	}
	return nil
}

// InboxEntry is one conversation in a user's inbox.
type InboxEntry struct {
	ConversationID string    `json:"conversation_id"`
	LastMessageID  int64     `json:"last_message_id"`
	LastUpdated    time.Time `json:"last_updated"`
	Unread         int64     `json:"unread_count"`
}

// Inbox lists the user's conversations, most recent first, with unread
// counts.
func (s *Store) Inbox(ctx context.Context, userID string) ([]InboxEntry, error) {
	var (
		out []InboxEntry
		e   InboxEntry
	)
	err := s.q.Each(ctx, selectInbox, []any{userID}, []any{&e.ConversationID, &e.LastMessageID, &e.LastUpdated}, func() {
		out = append(out, e)
	})
	if err != nil {
		return nil, err
	}

	unread := make(map[string]int64)
	var (
		conv  string
		count int64
	)
	err = s.q.Each(ctx, selectUnread, []any{userID}, []any{&conv, &count}, func() {
		unread[conv] = count
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Unread = unread[out[i].ConversationID]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	return out, nil
}

// History returns up to limit messages, newest first. A non-zero before
// pages back from that message id.
func (s *Store) History(ctx context.Context, conversationID string, before int64, limit int) ([]model.Envelope, error) {
	stmt, values := selectHistory, []any{conversationID, limit}
	if before > 0 {
		stmt, values = selectBefore, []any{conversationID, before, limit}
	}

	var (
		out  []model.Envelope
		e    model.Envelope
		kind string
	)
	err := s.q.Each(ctx, stmt, values, []any{&e.ID, &e.SenderID, &e.Payload, &kind, &e.CreatedAt}, func() {
		e.ConversationID = conversationID
		e.Kind = model.Kind(kind)
		e.Status = model.StatusPersisted
		out = append(out, e)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
