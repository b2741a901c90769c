package model

import "time"

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"

	// Away and Busy are client-declared hints carried by status_update.
	// They never change derived presence.
	PresenceAway PresenceStatus = "away"
	PresenceBusy PresenceStatus = "busy"
)

// Presence is derived state: a user is online iff they own at least one live
// connection.
type Presence struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

// Settable reports whether a client may declare s with status_update.
func (s PresenceStatus) Settable() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy:
		return true
	}
	return false
}
