// Package relay keeps many websocket connections synchronized around a set
// of conversations: admission, subscriptions, message fan-out, typing and
// presence events, and heartbeat-based eviction.
package relay

import (
	"context"
	"time"

	"github.com/mahaj/garage-relay/pkg/model"
)

// Storage persists messages and answers membership questions. Both calls may
// be slow network round trips.
type Storage interface {
	// PersistMessage stores env and returns it with ID assigned.
	PersistMessage(ctx context.Context, env model.Envelope) (model.Envelope, error)
	GetConversationMembers(ctx context.Context, conversationID string) ([]string, error)
}

// ReadMarker is implemented by storage backends that track unread counts.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, userID string, messageID int64) error
}

// Identity resolves a presented credential to a user id.
type Identity interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// Publisher receives every persisted envelope after fan-out.
type Publisher interface {
	Publish(ctx context.Context, env model.Envelope) error
}

// PresenceStore records confirmed presence transitions outside the process.
type PresenceStore interface {
	MarkOnline(ctx context.Context, userID string, at time.Time) error
	MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error
}
