package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrMissingCredential = errors.New("missing token or user id")
	ErrUserMismatch      = errors.New("token does not belong to the claimed user")
)

// Credential is what a client presents when it opens a connection.
type Credential struct {
	Token  string
	UserID string
}

// presenceObserver is told when a user's connection count moves between zero
// and one. Calls happen after the registry lock is released.
type presenceObserver interface {
	userConnected(userID string)
	userDisconnected(userID string)
}

// Registry owns every admitted Conn and the indexes over them.
//
// A single RWMutex guards all four maps, so there is no lock ordering to get
// wrong between Admit and Remove. Storage and identity calls are never made
// while it is held.
type Registry struct {
	identity  Identity
	storage   Storage
	queueSize int
	logger    zerolog.Logger
	newID     func() string

	mu       sync.RWMutex
	conns    map[string]*Conn
	byUser   map[string]map[string]*Conn
	bySub    map[string]map[string]*Conn
	members  map[string]map[string]struct{} // only while the conversation has subscribers
	draining bool

	observer presenceObserver
}

func NewRegistry(identity Identity, storage Storage, queueSize int, logger zerolog.Logger) *Registry {
	return &Registry{
		identity:  identity,
		storage:   storage,
		queueSize: queueSize,
		logger:    logger.With().Str("component", "registry").Logger(),
		newID:     uuid.NewString,
		conns:     make(map[string]*Conn),
		byUser:    make(map[string]map[string]*Conn),
		bySub:     make(map[string]map[string]*Conn),
		members:   make(map[string]map[string]struct{}),
	}
}

// Admit authenticates cred and registers a new connection over sock. On error
// nothing is registered and the caller must close sock.
func (r *Registry) Admit(ctx context.Context, sock socket, cred Credential) (*Conn, error) {
	if cred.Token == "" || cred.UserID == "" {
		return nil, &AuthError{ClaimedUserID: cred.UserID, Err: ErrMissingCredential}
	}
	userID, err := r.identity.Authenticate(ctx, cred.Token)
	if err != nil {
		return nil, &AuthError{ClaimedUserID: cred.UserID, Err: err}
	}
	if userID != cred.UserID {
		return nil, &AuthError{ClaimedUserID: cred.UserID, Err: ErrUserMismatch}
	}

	c := newConn(r.newID(), userID, sock, r.queueSize)

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r.conns[c.ID] = c
	userConns := r.byUser[userID]
	if userConns == nil {
		userConns = make(map[string]*Conn)
		r.byUser[userID] = userConns
	}
	userConns[c.ID] = c
	first := len(userConns) == 1
	r.mu.Unlock()

	r.logger.Info().Str("conn", c.ID).Str("user", userID).Msg("connection admitted")
	if first && r.observer != nil {
		r.observer.userConnected(userID)
	}
	return c, nil
}

// Subscribe adds the connection to a conversation's subscriber set after
// checking membership. Subscribing twice is a no-op.
func (r *Registry) Subscribe(ctx context.Context, connID, conversationID string) error {
	r.mu.RLock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.RUnlock()
		return ErrConnectionClosed
	}
	if _, ok := c.subs[conversationID]; ok {
		r.mu.RUnlock()
		return nil
	}
	members, cached := r.members[conversationID]
	r.mu.RUnlock()

	if !cached {
		list, err := r.storage.GetConversationMembers(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("load members of %s: %w", conversationID, err)
		}
		members = make(map[string]struct{}, len(list))
		for _, u := range list {
			members[u] = struct{}{}
		}
	}
	if _, ok := members[c.UserID]; !ok {
		return &NotMemberError{ConversationID: conversationID, UserID: c.UserID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return ErrConnectionClosed
	}
	if _, ok := r.members[conversationID]; !ok {
		r.members[conversationID] = members
	}
	subs := r.bySub[conversationID]
	if subs == nil {
		subs = make(map[string]*Conn)
		r.bySub[conversationID] = subs
	}
	subs[connID] = c
	c.subs[conversationID] = struct{}{}

	r.logger.Debug().Str("conn", connID).Str("conversation", conversationID).Msg("subscribed")
	return nil
}

// Unsubscribe is idempotent and never fails.
func (r *Registry) Unsubscribe(connID, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(c.subs, conversationID)
	r.dropSubscriberLocked(conversationID, connID)
}

func (r *Registry) dropSubscriberLocked(conversationID, connID string) {
	subs, ok := r.bySub[conversationID]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.bySub, conversationID)
		delete(r.members, conversationID)
	}
}

// Remove drops the connection from every index and closes it without a close
// handshake. Safe to call any number of times from any goroutine.
func (r *Registry) Remove(connID string) bool {
	return r.remove(connID, 0, "")
}

func (r *Registry) remove(connID string, code int, text string) bool {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, connID)
	for conversationID := range c.subs {
		r.dropSubscriberLocked(conversationID, connID)
	}
	c.subs = make(map[string]struct{})

	last := false
	if userConns, ok := r.byUser[c.UserID]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
			last = true
		}
	}
	c.close(code, text)
	r.mu.Unlock()

	r.logger.Info().Str("conn", connID).Str("user", c.UserID).Msg("connection removed")
	if last && r.observer != nil {
		r.observer.userDisconnected(c.UserID)
	}
	return true
}

// SubscribersOf returns a snapshot of the live connections subscribed to a
// conversation.
func (r *Registry) SubscribersOf(conversationID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.bySub[conversationID]
	out := make([]*Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

// SharedSubscribers returns every connection, not owned by userID, that is
// subscribed to a conversation userID is a member of. Each connection appears
// once.
func (r *Registry) SharedSubscribers(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []*Conn
	for conversationID, members := range r.members {
		if _, ok := members[userID]; !ok {
			continue
		}
		for id, c := range r.bySub[conversationID] {
			if c.UserID == userID {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) IsSubscribed(connID, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, ok = c.subs[conversationID]
	return ok
}

// Subscriptions lists the conversations a connection has joined, sorted.
func (r *Registry) Subscriptions(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Members returns the cached membership of a conversation, sorted. It is
// empty when nobody is subscribed.
func (r *Registry) Members(conversationID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.members[conversationID]
	out := make([]string, 0, len(members))
	for u := range members {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Snapshot returns every registered connection.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Counts returns the number of connections, distinct users and conversations
// with at least one subscriber.
func (r *Registry) Counts() (connections, users, conversations int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.byUser), len(r.bySub)
}

// CloseAll refuses further admissions and closes every connection with code.
func (r *Registry) CloseAll(code int, text string) int {
	r.mu.Lock()
	r.draining = true
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.remove(id, code, text) {
			n++
		}
	}
	return n
}
