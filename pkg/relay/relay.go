package relay

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/wire"
	"github.com/rs/zerolog"
)

// Delivery tracks one accepted envelope and its per-connection status.
// Statuses only move forward.
type Delivery struct {
	Envelope model.Envelope

	mu     sync.Mutex
	status map[string]model.DeliveryStatus
}

func newDelivery(env model.Envelope) *Delivery {
	return &Delivery{Envelope: env, status: make(map[string]model.DeliveryStatus)}
}

// mark records s for connID unless it would regress.
func (d *Delivery) mark(connID string, s model.DeliveryStatus) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.status[connID]; ok && cur >= s {
		return false
	}
	d.status[connID] = s
	return true
}

// StatusFor returns the envelope's status for a connection: delivered if it
// reached that connection, otherwise the envelope's own status.
func (d *Delivery) StatusFor(connID string) model.DeliveryStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.status[connID]; ok {
		return s
	}
	return d.Envelope.Status
}

// DeliveredTo lists the connections the envelope reached, sorted.
func (d *Delivery) DeliveredTo() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for id, s := range d.status {
		if s == model.StatusDelivered {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// MessageRelay validates, persists and fans out conversation messages.
//
// Each connection's read loop calls Send synchronously, so messages from one
// connection are accepted, and enqueued to every subscriber, in order. Sends
// to the same conversation are serialized from persist to enqueue, so every
// subscriber sees that conversation in persisted id order.
type MessageRelay struct {
	registry  *Registry
	storage   Storage
	publisher Publisher
	evict     evictor
	order     stripedLocks
	logger    zerolog.Logger
	now       func() time.Time
}

// stripedLocks maps conversation ids onto a fixed set of mutexes.
type stripedLocks [64]sync.Mutex

func (l *stripedLocks) of(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l[h.Sum32()%uint32(len(l))]
}

// NewMessageRelay builds a relay. publisher may be nil.
func NewMessageRelay(registry *Registry, storage Storage, publisher Publisher, ev evictor, logger zerolog.Logger) *MessageRelay {
	return &MessageRelay{
		registry:  registry,
		storage:   storage,
		publisher: publisher,
		evict:     ev,
		logger:    logger.With().Str("component", "relay").Logger(),
		now:       time.Now,
	}
}

// Send relays one message from a connection. The sender's own connection
// never receives a copy. A failed persist is returned to the caller and
// nothing is fanned out or retried.
func (m *MessageRelay) Send(ctx context.Context, from *Conn, in wire.SendMessage) (*Delivery, error) {
	if in.ConversationID == "" {
		return nil, &MalformedFrameError{Type: wire.TypeMessage, Err: errors.New("conversation_id is required")}
	}
	kind := in.Kind
	if kind == "" {
		kind = model.KindText
	}
	if !kind.Valid() {
		return nil, &MalformedFrameError{Type: wire.TypeMessage, Err: errors.New("unknown kind " + string(kind))}
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, &MalformedFrameError{Type: wire.TypeMessage, Err: errors.New("message is empty")}
	}
	if !m.registry.IsSubscribed(from.ID, in.ConversationID) {
		return nil, &NotMemberError{ConversationID: in.ConversationID, UserID: from.UserID}
	}

	env := model.Envelope{
		ConversationID: in.ConversationID,
		SenderID:       from.UserID,
		Recipients:     recipients(m.registry.Members(in.ConversationID), from.UserID),
		Payload:        in.Message,
		Kind:           kind,
		CreatedAt:      m.now().UTC(),
		Status:         model.StatusPending,
	}

	d, err := m.persistAndFanOut(ctx, from, env)
	if err != nil {
		return d, err
	}
	persisted := d.Envelope

	m.logger.Debug().
		Int64("id", persisted.ID).
		Str("conversation", persisted.ConversationID).
		Int("delivered", len(d.DeliveredTo())).
		Msg("message relayed")

	if m.publisher != nil {
		if err := m.publisher.Publish(ctx, persisted); err != nil {
			m.logger.Warn().Err(err).Int64("id", persisted.ID).Msg("publish failed")
		}
	}
	return d, nil
}

// persistAndFanOut holds the conversation's order lock from persist through
// enqueue, so subscribers receive one conversation's messages in id order
// even when several senders write at once.
func (m *MessageRelay) persistAndFanOut(ctx context.Context, from *Conn, env model.Envelope) (*Delivery, error) {
	mu := m.order.of(env.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	persisted, err := m.storage.PersistMessage(ctx, env)
	if err != nil {
		m.logger.Error().Err(err).Str("conversation", env.ConversationID).Str("user", env.SenderID).Msg("persist failed")
		return nil, &PersistenceError{ConversationID: env.ConversationID, Err: err}
	}
	persisted.Status = model.StatusPersisted

	d := newDelivery(persisted)
	frame, err := wire.Encode(wire.TypeMessage, persisted)
	if err != nil {
		return d, err
	}

	for _, c := range m.registry.SubscribersOf(persisted.ConversationID) {
		if c.ID == from.ID {
			continue
		}
		if deliver(m.evict, c, frame) {
			d.mark(c.ID, model.StatusDelivered)
		}
	}
	return d, nil
}

// MarkRead records a read receipt and tells the other subscribers.
func (m *MessageRelay) MarkRead(ctx context.Context, from *Conn, in wire.MarkRead) (int, error) {
	if in.ConversationID == "" || in.MessageID == 0 {
		return 0, &MalformedFrameError{Type: wire.TypeMarkRead, Err: errors.New("conversation_id and message_id are required")}
	}
	if !m.registry.IsSubscribed(from.ID, in.ConversationID) {
		return 0, &NotMemberError{ConversationID: in.ConversationID, UserID: from.UserID}
	}
	if rm, ok := m.storage.(ReadMarker); ok {
		if err := rm.MarkRead(ctx, in.ConversationID, from.UserID, in.MessageID); err != nil {
			return 0, &PersistenceError{ConversationID: in.ConversationID, Err: err}
		}
	}

	frame := wire.MustEncode(wire.TypeMessageRead, wire.MessageRead{
		ConversationID: in.ConversationID,
		MessageID:      in.MessageID,
		UserID:         from.UserID,
		ReadAt:         m.now().UTC(),
	})
	n := 0
	for _, c := range m.registry.SubscribersOf(in.ConversationID) {
		if c.ID == from.ID {
			continue
		}
		if deliver(m.evict, c, frame) {
			n++
		}
	}
	return n, nil
}

func recipients(members []string, sender string) []string {
	out := make([]string, 0, len(members))
	for _, u := range members {
		if u != sender {
			out = append(out, u)
		}
	}
	return out
}
