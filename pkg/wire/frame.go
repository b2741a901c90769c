// Package wire defines the JSON frames exchanged over a relay websocket.
// Every frame is an object of the form {"type": string, "data": object}.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mahaj/garage-relay/pkg/model"
)

// Inbound frame types (client to relay).
const (
	TypeMessage           = "message"
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeMarkRead          = "mark_read"
	TypeStatusUpdate      = "status_update"
	TypePing              = "ping"
	TypePong              = "pong"
)

// Outbound-only frame types (relay to client). message, typing_start,
// typing_stop and pong are shared with the inbound set.
const (
	TypeConnected   = "connected"
	TypeMessageRead = "message_read"
	TypeUserStatus  = "user_status"
	TypeError       = "error"
)

// Error codes carried in ErrorData.Code.
const (
	CodeAuthFailed        = "auth_failed"
	CodeNotMember         = "not_member"
	CodePersistenceFailed = "persistence_failed"
	CodeMalformedFrame    = "malformed_frame"
	CodeUnknownType       = "unknown_type"
	CodeInternal          = "internal"
)

var ErrMalformed = errors.New("malformed frame")

type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw websocket payload into a Frame. A frame without a type
// is malformed.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return f, nil
}

// Bind unmarshals the frame's data into v.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s frame has no data", ErrMalformed, f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, f.Type, err)
	}
	return nil
}

// Encode builds the bytes of a frame with the given type and data.
func Encode(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", typ, err)
	}
	return json.Marshal(Frame{Type: typ, Data: raw})
}

// MustEncode is Encode for payload types that always marshal.
func MustEncode(typ string, data any) []byte {
	b, err := Encode(typ, data)
	if err != nil {
		panic(err)
	}
	return b
}

// --- inbound payloads ---

type SendMessage struct {
	ConversationID string     `json:"conversation_id"`
	Message        string     `json:"message"`
	Kind           model.Kind `json:"kind,omitempty"`
}

type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

type MarkRead struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
}

type StatusUpdate struct {
	Status model.PresenceStatus `json:"status"`
}

// --- outbound payloads ---

type Connected struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	ServerTime   time.Time `json:"server_time"`
}

type Typing struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	Timestamp      time.Time `json:"timestamp"`
}

type MessageRead struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
}

type UserStatus struct {
	UserID   string               `json:"user_id"`
	Status   model.PresenceStatus `json:"status"`
	LastSeen time.Time            `json:"last_seen,omitzero"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Ref echoes the inbound frame type that caused the error.
	Ref string `json:"ref,omitempty"`
}

type Pong struct {
	ServerTime time.Time `json:"server_time"`
}
