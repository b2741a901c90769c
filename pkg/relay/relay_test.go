package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mahaj/garage-relay/pkg/memstore"
	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRelaysToOtherSubscriberOnly(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	b := r.admit(t, "shop")
	r.join(t, a, "c1")
	r.join(t, b, "c1")
	drain(t, a)
	drain(t, b)

	d, err := r.relay.Send(context.Background(), a, wire.SendMessage{ConversationID: "c1", Message: "hi"})
	require.NoError(t, err)

	got := ofType(drain(t, b), wire.TypeMessage)
	require.Len(t, got, 1)
	env := bind[model.Envelope](t, got[0])
	assert.Equal(t, "c1", env.ConversationID)
	assert.Equal(t, "hi", env.Payload)
	assert.Equal(t, "driver", env.SenderID)
	assert.Equal(t, d.Envelope.ID, env.ID)
	assert.Equal(t, model.StatusPersisted, env.Status)
	assert.Equal(t, []string{"shop"}, env.Recipients)

	assert.Empty(t, ofType(drain(t, a), wire.TypeMessage), "sender must not receive a relay copy")
	assert.Equal(t, []string{b.ID}, d.DeliveredTo())
	assert.Equal(t, model.StatusDelivered, d.StatusFor(b.ID))
	assert.Equal(t, model.StatusPersisted, d.StatusFor(a.ID))
}

func TestSendDeliversExactlyOncePerSubscriber(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop", "tow")
	r.store.AddMembers("c2", "driver", "tow", "other")

	sender := r.admit(t, "driver")
	senderTab := r.admit(t, "driver")
	shopA := r.admit(t, "shop")
	shopB := r.admit(t, "shop")
	towIdle := r.admit(t, "tow")
	elsewhere := r.admit(t, "other")

	r.join(t, sender, "c1")
	r.join(t, senderTab, "c1")
	r.join(t, shopA, "c1")
	r.join(t, shopB, "c1")
	r.join(t, elsewhere, "c2")
	all := []*Conn{sender, senderTab, shopA, shopB, towIdle, elsewhere}
	for _, c := range all {
		drain(t, c)
	}

	_, err := r.relay.Send(context.Background(), sender, wire.SendMessage{ConversationID: "c1", Message: "quote ready?"})
	require.NoError(t, err)

	want := map[string]int{senderTab.ID: 1, shopA.ID: 1, shopB.ID: 1}
	for _, c := range all {
		n := len(ofType(drain(t, c), wire.TypeMessage))
		assert.Equal(t, want[c.ID], n, "conn of %s", c.UserID)
	}
}

func TestSendWithoutJoinIsRejected(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	b := r.admit(t, "shop")
	r.join(t, b, "c1")
	drain(t, b)

	_, err := r.relay.Send(context.Background(), a, wire.SendMessage{ConversationID: "c1", Message: "hi"})
	var nm *NotMemberError
	require.ErrorAs(t, err, &nm)

	assert.Empty(t, drain(t, b))
	assert.Zero(t, r.store.Calls("PersistMessage"))
}

func TestSendPersistenceFailure(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	b := r.admit(t, "shop")
	r.join(t, a, "c1")
	r.join(t, b, "c1")
	drain(t, b)

	boom := errors.New("write timeout")
	r.store.FailNext(boom)
	_, err := r.relay.Send(context.Background(), a, wire.SendMessage{ConversationID: "c1", Message: "hi"})

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, drain(t, b))
	assert.Equal(t, 1, r.store.Calls("PersistMessage"), "no automatic retry")
	assert.Empty(t, r.publisher.envs)
}

func TestSendValidatesFrame(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver")
	a := r.admit(t, "driver")
	r.join(t, a, "c1")

	for name, in := range map[string]wire.SendMessage{
		"no conversation": {Message: "hi"},
		"empty message":   {ConversationID: "c1", Message: "   "},
		"unknown kind":    {ConversationID: "c1", Message: "hi", Kind: "video"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.relay.Send(context.Background(), a, in)
			var mf *MalformedFrameError
			assert.ErrorAs(t, err, &mf)
		})
	}
}

func TestSendEvictsOnlyTheSlowSubscriber(t *testing.T) {
	r := newRig(t, withQueueSize(2))
	r.store.AddMembers("c1", "driver", "shop", "tow")
	a := r.admit(t, "driver")
	slow := r.admit(t, "shop")
	fast := r.admit(t, "tow")
	r.join(t, a, "c1")
	r.join(t, slow, "c1")
	r.join(t, fast, "c1")
	drain(t, slow)
	drain(t, fast)

	// fill the slow subscriber's queue
	require.True(t, slow.enqueue([]byte(`{"type":"pong"}`)))
	require.True(t, slow.enqueue([]byte(`{"type":"pong"}`)))

	d, err := r.relay.Send(context.Background(), a, wire.SendMessage{ConversationID: "c1", Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, []string{fast.ID}, d.DeliveredTo())
	assert.Len(t, ofType(drain(t, fast), wire.TypeMessage), 1)
	assert.False(t, slow.Alive())
	assert.ElementsMatch(t, []string{a.ID, fast.ID}, ids(r.registry.SubscribersOf("c1")))
	assert.Equal(t, CloseQueueFull, slow.closeCode)
}

func TestSendPreservesPerSenderOrder(t *testing.T) {
	r := newRig(t, withQueueSize(128))
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	b := r.admit(t, "shop")
	r.join(t, a, "c1")
	r.join(t, b, "c1")
	drain(t, b)

	for i := range 50 {
		_, err := r.relay.Send(context.Background(), a, wire.SendMessage{ConversationID: "c1", Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	got := ofType(drain(t, b), wire.TypeMessage)
	require.Len(t, got, 50)
	var prev int64
	for i, f := range got {
		env := bind[model.Envelope](t, f)
		assert.Equal(t, fmt.Sprintf("m%d", i), env.Payload)
		assert.Greater(t, env.ID, prev)
		prev = env.ID
	}
	assert.Len(t, r.store.Messages("c1"), 50)
}

func TestSendPublishesPersistedEnvelope(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	r.join(t, a, "c1")

	d, err := r.relay.Send(context.Background(), a, wire.SendMessage{ConversationID: "c1", Message: "hi", Kind: model.KindAttachment})
	require.NoError(t, err)

	require.Len(t, r.publisher.envs, 1)
	assert.Equal(t, d.Envelope.ID, r.publisher.envs[0].ID)
	assert.Equal(t, model.KindAttachment, r.publisher.envs[0].Kind)
}

func TestSendAfterSenderDisconnected(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	b := r.admit(t, "shop")
	r.join(t, a, "c1")
	r.join(t, b, "c1")
	drain(t, b)

	r.registry.Remove(a.ID)
	_, err := r.relay.Send(context.Background(), a, wire.SendMessage{ConversationID: "c1", Message: "late"})
	var nm *NotMemberError
	assert.ErrorAs(t, err, &nm, "a removed connection holds no subscriptions")
}

func TestDeliveryStatusNeverRegresses(t *testing.T) {
	d := newDelivery(model.Envelope{Status: model.StatusPersisted})

	assert.True(t, d.mark("c", model.StatusDelivered))
	assert.False(t, d.mark("c", model.StatusDelivered), "re-delivery is a no-op")
	assert.False(t, d.mark("c", model.StatusPersisted))
	assert.Equal(t, model.StatusDelivered, d.StatusFor("c"))
	assert.Equal(t, model.StatusPersisted, d.StatusFor("other"))
}

func TestMarkRead(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop")
	a := r.admit(t, "driver")
	b := r.admit(t, "shop")
	r.join(t, a, "c1")
	r.join(t, b, "c1")

	d, err := r.relay.Send(context.Background(), a, wire.SendMessage{ConversationID: "c1", Message: "hi"})
	require.NoError(t, err)
	require.EqualValues(t, 1, r.store.Unread("c1", "shop"))
	drain(t, a)
	drain(t, b)

	n, err := r.relay.MarkRead(context.Background(), b, wire.MarkRead{ConversationID: "c1", MessageID: d.Envelope.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, r.store.Unread("c1", "shop"))

	got := ofType(drain(t, a), wire.TypeMessageRead)
	require.Len(t, got, 1)
	receipt := bind[wire.MessageRead](t, got[0])
	assert.Equal(t, "shop", receipt.UserID)
	assert.Equal(t, d.Envelope.ID, receipt.MessageID)
	assert.Empty(t, drain(t, b))

	_, err = r.relay.MarkRead(context.Background(), b, wire.MarkRead{ConversationID: "c9", MessageID: 1})
	var nm *NotMemberError
	assert.ErrorAs(t, err, &nm)
}

// gatedStore holds PersistMessage for payload "first" until release closes.
type gatedStore struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
	others  atomic.Int32
}

func (g *gatedStore) PersistMessage(ctx context.Context, env model.Envelope) (model.Envelope, error) {
	if env.Payload == "first" {
		close(g.entered)
		<-g.release
	} else {
		g.others.Add(1)
	}
	return g.Store.PersistMessage(ctx, env)
}

func TestSendOrdersConcurrentSendersByID(t *testing.T) {
	r := newRig(t)
	r.store.AddMembers("c1", "driver", "shop", "tow")
	gated := &gatedStore{Store: r.store, entered: make(chan struct{}), release: make(chan struct{})}
	rel := NewMessageRelay(r.registry, gated, nil, r.monitor, zerolog.Nop())

	driver := r.admit(t, "driver")
	shop := r.admit(t, "shop")
	tow := r.admit(t, "tow")
	for _, c := range []*Conn{driver, shop, tow} {
		r.join(t, c, "c1")
		drain(t, c)
	}

	errs := make(chan error, 2)
	go func() {
		_, err := rel.Send(context.Background(), driver, wire.SendMessage{ConversationID: "c1", Message: "first"})
		errs <- err
	}()
	<-gated.entered
	go func() {
		_, err := rel.Send(context.Background(), shop, wire.SendMessage{ConversationID: "c1", Message: "second"})
		errs <- err
	}()

	require.Never(t, func() bool { return gated.others.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"second send persisted while the first was still in flight")
	close(gated.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	got := ofType(drain(t, tow), wire.TypeMessage)
	require.Len(t, got, 2)
	first, second := bind[model.Envelope](t, got[0]), bind[model.Envelope](t, got[1])
	assert.Equal(t, "first", first.Payload)
	assert.Equal(t, "second", second.Payload)
	assert.Less(t, first.ID, second.ID)
}
