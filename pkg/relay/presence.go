package relay

import (
	"context"
	"sync"
	"time"

	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/wire"
	"github.com/rs/zerolog"
)

const (
	defaultDebounce   = 3 * time.Second
	presenceStoreWait = 2 * time.Second
)

type userPresence struct {
	status   model.PresenceStatus
	lastSeen time.Time
	timer    *time.Timer
	gen      uint64
}

// PresenceTracker derives online/offline from the registry. Going offline is
// delayed by the debounce window so that a reconnect or a second tab does not
// flap the user's status.
//
// Lock order: PresenceTracker.mu may be held while taking Registry.mu, never
// the other way round.
type PresenceTracker struct {
	registry *Registry
	store    PresenceStore
	evict    evictor
	debounce time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	users   map[string]*userPresence
	stopped bool
}

// NewPresenceTracker attaches itself to registry. store may be nil.
func NewPresenceTracker(registry *Registry, store PresenceStore, ev evictor, debounce time.Duration, logger zerolog.Logger) *PresenceTracker {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	t := &PresenceTracker{
		registry: registry,
		store:    store,
		evict:    ev,
		debounce: debounce,
		logger:   logger.With().Str("component", "presence").Logger(),
		now:      time.Now,
		users:    make(map[string]*userPresence),
	}
	registry.observer = t
	return t
}

// userConnected reads the connection count under t.mu so a Remove that
// completes in between cannot leave the user online with no connections.
func (t *PresenceTracker) userConnected(userID string) {
	t.mu.Lock()
	if t.registry.UserConnectionCount(userID) == 0 {
		t.mu.Unlock()
		return
	}
	p := t.entryLocked(userID)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
		p.gen++
	}
	if p.status == model.PresenceOnline || t.stopped {
		t.mu.Unlock()
		return
	}
	p.status = model.PresenceOnline
	p.lastSeen = t.now()
	ev := model.Presence{UserID: userID, Status: p.status, LastSeen: p.lastSeen}
	t.mu.Unlock()

	t.publish(ev)
}

func (t *PresenceTracker) userDisconnected(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.users[userID]
	if !ok || p.status != model.PresenceOnline || p.timer != nil || t.stopped {
		return
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(t.debounce, func() { t.confirmOffline(userID, gen) })
}

func (t *PresenceTracker) confirmOffline(userID string, gen uint64) {
	t.mu.Lock()
	p, ok := t.users[userID]
	if !ok || p.gen != gen || t.stopped {
		t.mu.Unlock()
		return
	}
	p.timer = nil
	if t.registry.UserConnectionCount(userID) > 0 {
		t.mu.Unlock()
		return
	}
	p.status = model.PresenceOffline
	p.lastSeen = t.now()
	ev := model.Presence{UserID: userID, Status: p.status, LastSeen: p.lastSeen}
	t.mu.Unlock()

	t.publish(ev)
}

func (t *PresenceTracker) entryLocked(userID string) *userPresence {
	p, ok := t.users[userID]
	if !ok {
		p = &userPresence{status: model.PresenceOffline}
		t.users[userID] = p
	}
	return p
}

// publish tells everyone sharing a conversation with the user and records
// the transition in the presence store.
func (t *PresenceTracker) publish(ev model.Presence) {
	frame := wire.MustEncode(wire.TypeUserStatus, wire.UserStatus{
		UserID:   ev.UserID,
		Status:   ev.Status,
		LastSeen: ev.LastSeen,
	})
	n := 0
	for _, c := range t.registry.SharedSubscribers(ev.UserID) {
		if deliver(t.evict, c, frame) {
			n++
		}
	}
	t.logger.Info().Str("user", ev.UserID).Str("status", string(ev.Status)).Int("notified", n).Msg("presence changed")

	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceStoreWait)
	defer cancel()
	var err error
	if ev.Status == model.PresenceOnline {
		err = t.store.MarkOnline(ctx, ev.UserID, ev.LastSeen)
	} else {
		err = t.store.MarkOffline(ctx, ev.UserID, ev.LastSeen)
	}
	if err != nil {
		t.logger.Error().Err(err).Str("user", ev.UserID).Msg("failed to record presence")
	}
}

// Status returns the user's current derived presence.
func (t *PresenceTracker) Status(userID string) model.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.users[userID]
	if !ok {
		return model.Presence{UserID: userID, Status: model.PresenceOffline}
	}
	return model.Presence{UserID: userID, Status: p.status, LastSeen: p.lastSeen}
}

// sendSnapshot tells c which members of a conversation are currently online.
func (t *PresenceTracker) sendSnapshot(c *Conn, conversationID string) {
	for _, userID := range t.registry.Members(conversationID) {
		if userID == c.UserID {
			continue
		}
		p := t.Status(userID)
		if p.Status != model.PresenceOnline {
			continue
		}
		frame := wire.MustEncode(wire.TypeUserStatus, wire.UserStatus{UserID: p.UserID, Status: p.Status, LastSeen: p.LastSeen})
		if !deliver(t.evict, c, frame) {
			return
		}
	}
}

// Stop cancels pending offline timers. No further transitions are published.
func (t *PresenceTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for _, p := range t.users {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
}
