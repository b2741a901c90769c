// Package memstore is an in-process message store and membership table. The
// gateway uses it when storage.type is "memory"; tests use it everywhere.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/snowflake"
)

var ErrUnknownConversation = errors.New("unknown conversation")

type Store struct {
	ids *snowflake.Node

	mu       sync.Mutex
	members  map[string]map[string]struct{}
	messages map[string][]model.Envelope
	unread   map[string]map[string]int64 // conversation -> user -> count
	failNext error
	calls    map[string]int
}

func New(ids *snowflake.Node) *Store {
	return &Store{
		ids:      ids,
		members:  make(map[string]map[string]struct{}),
		messages: make(map[string][]model.Envelope),
		unread:   make(map[string]map[string]int64),
		calls:    make(map[string]int),
	}
}

// AddMembers adds users to a conversation, creating it if needed.
func (s *Store) AddMembers(conversationID string, userIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.members[conversationID]
	if set == nil {
		set = make(map[string]struct{})
		s.members[conversationID] = set
	}
	for _, u := range userIDs {
		set[u] = struct{}{}
	}
}

// FailNext makes the next PersistMessage or GetConversationMembers call
// return err.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Store) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Store) PersistMessage(_ context.Context, env model.Envelope) (model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["PersistMessage"]++
	if err := s.takeFailure(); err != nil {
		return model.Envelope{}, err
	}
	if _, ok := s.members[env.ConversationID]; !ok {
		return model.Envelope{}, fmt.Errorf("%w: %s", ErrUnknownConversation, env.ConversationID)
	}

	env.ID = s.ids.Generate()
	env.Recipients = append([]string(nil), env.Recipients...)
	s.messages[env.ConversationID] = append(s.messages[env.ConversationID], env)

	counts := s.unread[env.ConversationID]
	if counts == nil {
		counts = make(map[string]int64)
		s.unread[env.ConversationID] = counts
	}
	for _, u := range env.Recipients {
		counts[u]++
	}
	return env, nil
}

func (s *Store) GetConversationMembers(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["GetConversationMembers"]++
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	set, ok := s.members[conversationID]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// MarkRead clears the user's unread count for the conversation.
func (s *Store) MarkRead(_ context.Context, conversationID, userID string, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counts, ok := s.unread[conversationID]; ok {
		delete(counts, userID)
	}
	return nil
}

// Messages returns the stored history of a conversation in insert order.
func (s *Store) Messages(conversationID string) []model.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Envelope(nil), s.messages[conversationID]...)
}

func (s *Store) Unread(conversationID, userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[conversationID][userID]
}

// Calls reports how many times a port method was invoked.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}
