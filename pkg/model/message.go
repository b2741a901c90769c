package model

import "time"

// Kind classifies the payload of an Envelope.
type Kind string

const (
	KindText       Kind = "text"
	KindAttachment Kind = "attachment_ref"
	KindSystem     Kind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindAttachment, KindSystem:
		return true
	}
	return false
}

// DeliveryStatus only ever moves forward: pending, persisted, delivered.
type DeliveryStatus int

const (
	StatusPending DeliveryStatus = iota
	StatusPersisted
	StatusDelivered
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPersisted:
		return "persisted"
	case StatusDelivered:
		return "delivered"
	}
	return "unknown"
}

func (s DeliveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "persisted":
		*s = StatusPersisted
	case "delivered":
		*s = StatusDelivered
	default:
		*s = StatusPending
	}
	return nil
}

// Envelope is a single conversation message as it moves through the relay.
// ID is zero until the storage layer assigns one.
type Envelope struct {
	ID             int64          `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Recipients     []string       `json:"recipients,omitempty"`
	Payload        string         `json:"message"`
	Kind           Kind           `json:"kind"`
	CreatedAt      time.Time      `json:"created_at"`
	Status         DeliveryStatus `json:"status"`
}

// TypingEvent is never persisted; it lives for one broadcast.
type TypingEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	Timestamp      time.Time `json:"timestamp"`
}
