package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return New(ids)
}

func TestPersistAssignsIDsAndCountsUnread(t *testing.T) {
	s := newStore(t)
	s.AddMembers("c1", "driver", "shop")
	ctx := context.Background()

	first, err := s.PersistMessage(ctx, model.Envelope{ConversationID: "c1", SenderID: "driver", Recipients: []string{"shop"}, Payload: "hi"})
	require.NoError(t, err)
	second, err := s.PersistMessage(ctx, model.Envelope{ConversationID: "c1", SenderID: "driver", Recipients: []string{"shop"}, Payload: "there"})
	require.NoError(t, err)

	assert.NotZero(t, first.ID)
	assert.Greater(t, second.ID, first.ID)
	assert.Len(t, s.Messages("c1"), 2)
	assert.EqualValues(t, 2, s.Unread("c1", "shop"))

	require.NoError(t, s.MarkRead(ctx, "c1", "shop", second.ID))
	assert.Zero(t, s.Unread("c1", "shop"))
}

func TestPersistUnknownConversation(t *testing.T) {
	s := newStore(t)
	_, err := s.PersistMessage(context.Background(), model.Envelope{ConversationID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestFailNextAffectsOneCall(t *testing.T) {
	s := newStore(t)
	s.AddMembers("c1", "a", "b")
	boom := errors.New("boom")
	s.FailNext(boom)

	_, err := s.GetConversationMembers(context.Background(), "c1")
	assert.ErrorIs(t, err, boom)

	members, err := s.GetConversationMembers(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)
	assert.Equal(t, 2, s.Calls("GetConversationMembers"))
}
