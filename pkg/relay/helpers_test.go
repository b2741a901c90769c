package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/garage-relay/pkg/memstore"
	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/snowflake"
	"github.com/mahaj/garage-relay/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// tokenIdentity accepts tokens of the form "tok:<user>".
type tokenIdentity struct{}

func (tokenIdentity) Authenticate(_ context.Context, token string) (string, error) {
	user, ok := strings.CutPrefix(token, "tok:")
	if !ok || user == "" {
		return "", errors.New("unknown token")
	}
	return user, nil
}

func tokenFor(user string) string { return "tok:" + user }

type presenceCall struct {
	userID string
	status model.PresenceStatus
}

type recordingPresenceStore struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (s *recordingPresenceStore) MarkOnline(_ context.Context, userID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, presenceCall{userID, model.PresenceOnline})
	return nil
}

func (s *recordingPresenceStore) MarkOffline(_ context.Context, userID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, presenceCall{userID, model.PresenceOffline})
	return nil
}

func (s *recordingPresenceStore) count(userID string, status model.PresenceStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.userID == userID && c.status == status {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []model.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

type rig struct {
	store       *memstore.Store
	presStore   *recordingPresenceStore
	publisher   *recordingPublisher
	registry    *Registry
	monitor     *Monitor
	presence    *PresenceTracker
	relay       *MessageRelay
	broadcaster *Broadcaster
}

type rigOption func(*rigConfig)

type rigConfig struct {
	queueSize int
	debounce  time.Duration
}

func withQueueSize(n int) rigOption { return func(c *rigConfig) { c.queueSize = n } }

func withDebounce(d time.Duration) rigOption { return func(c *rigConfig) { c.debounce = d } }

func newRig(t *testing.T, opts ...rigOption) *rig {
	t.Helper()
	cfg := rigConfig{queueSize: 64, debounce: 50 * time.Millisecond}
	for _, o := range opts {
		o(&cfg)
	}

	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zerolog.Nop()

	r := &rig{
		store:     memstore.New(ids),
		presStore: &recordingPresenceStore{},
		publisher: &recordingPublisher{},
	}
	r.registry = NewRegistry(tokenIdentity{}, r.store, cfg.queueSize, logger)
	r.monitor = NewMonitor(r.registry, time.Hour, logger)
	r.presence = NewPresenceTracker(r.registry, r.presStore, r.monitor, cfg.debounce, logger)
	r.relay = NewMessageRelay(r.registry, r.store, r.publisher, r.monitor, logger)
	r.broadcaster = NewBroadcaster(r.registry, r.monitor, logger)
	t.Cleanup(r.presence.Stop)
	return r
}

func (r *rig) admit(t *testing.T, user string) *Conn {
	t.Helper()
	c, err := r.registry.Admit(context.Background(), nil, Credential{Token: tokenFor(user), UserID: user})
	require.NoError(t, err)
	return c
}

func (r *rig) join(t *testing.T, c *Conn, conversationID string) {
	t.Helper()
	require.NoError(t, r.registry.Subscribe(context.Background(), c.ID, conversationID))
}

// drain returns every frame currently queued on c.
func drain(t *testing.T, c *Conn) []wire.Frame {
	t.Helper()
	var out []wire.Frame
	for {
		select {
		case b := <-c.send:
			f, err := wire.Decode(b)
			require.NoError(t, err)
			out = append(out, f)
		default:
			return out
		}
	}
}

func ofType(frames []wire.Frame, typ string) []wire.Frame {
	var out []wire.Frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func bind[T any](t *testing.T, f wire.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func ids(conns []*Conn) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID)
	}
	return out
}
