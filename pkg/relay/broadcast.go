package relay

import (
	"errors"
	"time"

	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/wire"
	"github.com/rs/zerolog"
)

// TypingTimeout is how long receivers should treat a typing_start without a
// matching typing_stop as current. The broadcaster does not enforce it.
const TypingTimeout = 8 * time.Second

// Broadcaster fans out typing indicators and status pings. Nothing is
// persisted, tracked or retried.
type Broadcaster struct {
	registry *Registry
	evict    evictor
	logger   zerolog.Logger
	now      func() time.Time
}

func NewBroadcaster(registry *Registry, ev evictor, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		evict:    ev,
		logger:   logger.With().Str("component", "broadcaster").Logger(),
		now:      time.Now,
	}
}

// Typing sends typing_start or typing_stop to the conversation's other
// subscribers and returns how many received it.
func (b *Broadcaster) Typing(from *Conn, conversationID string, typing bool) (int, error) {
	typ := wire.TypeTypingStop
	if typing {
		typ = wire.TypeTypingStart
	}
	if conversationID == "" {
		return 0, &MalformedFrameError{Type: typ, Err: errors.New("conversation_id is required")}
	}
	if !b.registry.IsSubscribed(from.ID, conversationID) {
		return 0, &NotMemberError{ConversationID: conversationID, UserID: from.UserID}
	}

	frame := wire.MustEncode(typ, wire.Typing{
		ConversationID: conversationID,
		UserID:         from.UserID,
		IsTyping:       typing,
		Timestamp:      b.now().UTC(),
	})
	n := 0
	for _, c := range b.registry.SubscribersOf(conversationID) {
		if c.ID == from.ID {
			continue
		}
		if deliver(b.evict, c, frame) {
			n++
		}
	}
	return n, nil
}

// Status sends a client-declared status to every connection sharing a
// conversation with the sender. Derived presence is left alone.
func (b *Broadcaster) Status(from *Conn, status model.PresenceStatus) (int, error) {
	if !status.Settable() {
		return 0, &MalformedFrameError{Type: wire.TypeStatusUpdate, Err: errors.New("unsupported status " + string(status))}
	}

	frame := wire.MustEncode(wire.TypeUserStatus, wire.UserStatus{
		UserID:   from.UserID,
		Status:   status,
		LastSeen: b.now().UTC(),
	})
	n := 0
	for _, c := range b.registry.SharedSubscribers(from.UserID) {
		if deliver(b.evict, c, frame) {
			n++
		}
	}
	b.logger.Debug().Str("user", from.UserID).Str("status", string(status)).Int("notified", n).Msg("status update")
	return n, nil
}
