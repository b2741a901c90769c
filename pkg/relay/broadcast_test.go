package relay

import (
	"testing"

	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingFansOutExcludingSender(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	b := r.admit(t, "shop")
	r.join(t, a, "c1")
	r.join(t, b, "c1")
	drain(t, a)
	drain(t, b)

	n, err := r.broadcaster.Typing(a, "c1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.broadcaster.Typing(a, "c1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := drain(t, b)
	require.Len(t, got, 2)
	assert.Equal(t, wire.TypeTypingStart, got[0].Type)
	assert.Equal(t, wire.TypeTypingStop, got[1].Type)
	start := bind[wire.Typing](t, got[0])
	assert.Equal(t, "driver", start.UserID)
	assert.True(t, start.IsTyping)

	assert.Empty(t, drain(t, a))
	assert.Empty(t, r.store.Messages("c1"), "typing is never persisted")
}

func TestTypingRequiresSubscription(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	b := r.admit(t, "shop")
	r.join(t, b, "c1")
	drain(t, b)

	_, err := r.broadcaster.Typing(a, "c1", true)
	var nm *NotMemberError
	require.ErrorAs(t, err, &nm)
	assert.Empty(t, drain(t, b))
}

func TestStatusUpdate(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	b := r.admit(t, "shop")
	r.join(t, a, "c1")
	r.join(t, b, "c1")
	drain(t, b)

	n, err := r.broadcaster.Status(a, model.PresenceBusy)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := ofType(drain(t, b), wire.TypeUserStatus)
	require.Len(t, got, 1)
	st := bind[wire.UserStatus](t, got[0])
	assert.Equal(t, "driver", st.UserID)
	assert.Equal(t, model.PresenceBusy, st.Status)
	assert.Equal(t, model.PresenceOnline, r.presence.Status("driver").Status, "declared status leaves derived presence alone")

	_, err = r.broadcaster.Status(a, model.PresenceOffline)
	var mf *MalformedFrameError
	assert.ErrorAs(t, err, &mf)
}
