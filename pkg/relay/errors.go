package relay

import (
	"errors"
	"fmt"

	"github.com/mahaj/garage-relay/pkg/wire"
)

var (
	// ErrConnectionClosed is returned when an operation targets a connection
	// that is no longer registered.
	ErrConnectionClosed = errors.New("connection closed")
	ErrShuttingDown     = errors.New("relay shutting down")
)

// AuthError means admission was refused and no Connection exists.
type AuthError struct {
	ClaimedUserID string
	Err           error
}

func (e *AuthError) Error() string {
	if e.ClaimedUserID != "" {
		return fmt.Sprintf("authentication failed for %q: %v", e.ClaimedUserID, e.Err)
	}
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotMemberError rejects a subscribe or send on a conversation the user does
// not belong to, or the connection has not joined.
type NotMemberError struct {
	ConversationID string
	UserID         string
}

func (e *NotMemberError) Error() string {
	return fmt.Sprintf("user %q is not subscribed to conversation %q", e.UserID, e.ConversationID)
}

// PersistenceError means storage refused or failed the insert. The message
// was not relayed and is not retried.
type PersistenceError struct {
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist message in %q: %v", e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// MalformedFrameError is answered with an error frame; the connection stays open.
type MalformedFrameError struct {
	Type string
	Err  error
}

func (e *MalformedFrameError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("malformed frame: %v", e.Err)
	}
	return fmt.Sprintf("malformed %s frame: %v", e.Type, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// DeadConnectionError is internal: it triggers eviction and is never sent to a
// client.
type DeadConnectionError struct {
	ConnectionID string
	Reason       string
}

func (e *DeadConnectionError) Error() string {
	return fmt.Sprintf("connection %s dead: %s", e.ConnectionID, e.Reason)
}

// errorFrame maps err onto the error frame sent to the offending connection.
func errorFrame(ref string, err error) []byte {
	data := wire.ErrorData{Code: wire.CodeInternal, Message: "internal error", Ref: ref}

	var (
		nm *NotMemberError
		pe *PersistenceError
		mf *MalformedFrameError
		ae *AuthError
	)
	switch {
	case errors.As(err, &nm):
		data.Code, data.Message = wire.CodeNotMember, nm.Error()
	case errors.As(err, &pe):
		data.Code, data.Message = wire.CodePersistenceFailed, "message could not be stored"
	case errors.As(err, &mf):
		data.Code, data.Message = wire.CodeMalformedFrame, mf.Error()
	case errors.As(err, &ae):
		data.Code, data.Message = wire.CodeAuthFailed, "authentication failed"
	}
	return wire.MustEncode(wire.TypeError, data)
}
