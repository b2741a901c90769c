package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/garage-relay/pkg/wire"
	"github.com/rs/zerolog"
)

// Close codes used by the gateway.
const (
	CloseAuthFailed = websocket.ClosePolicyViolation // 1008
	CloseShutdown   = websocket.CloseGoingAway       // 1001
	CloseQueueFull  = websocket.CloseTryAgainLater   // 1013
)

const defaultStorageTimeout = 5 * time.Second

type Options struct {
	Path              string
	OutboundQueueSize int
	MaxMessageSize    int64
	PresenceDebounce  time.Duration
	LivenessInterval  time.Duration
	StorageTimeout    time.Duration
	CheckOrigin       func(r *http.Request) bool
}

func (o *Options) setDefaults() {
	if o.Path == "" {
		o.Path = "/ws"
	}
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = defaultQueueSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = defaultStorageTimeout
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
}

// Deps are the collaborators the gateway talks to. Publisher and
// PresenceStore are optional.
type Deps struct {
	Storage       Storage
	Identity      Identity
	Publisher     Publisher
	PresenceStore PresenceStore
}

// StatusReport is served on /status.
type StatusReport struct {
	Connections   int       `json:"connections"`
	Users         int       `json:"users"`
	Conversations int       `json:"conversations"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// Gateway is the websocket front of the relay. It owns one Registry and the
// components that route events through it.
type Gateway struct {
	opts        Options
	registry    *Registry
	presence    *PresenceTracker
	relay       *MessageRelay
	broadcaster *Broadcaster
	monitor     *Monitor
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	started     time.Time

	pumps       sync.WaitGroup
	stopMonitor context.CancelFunc
	monitorDone chan struct{}
	stopOnce    sync.Once
}

func NewGateway(deps Deps, opts Options, logger zerolog.Logger) (*Gateway, error) {
	if deps.Storage == nil || deps.Identity == nil {
		return nil, errors.New("relay: storage and identity are required")
	}
	opts.setDefaults()

	registry := NewRegistry(deps.Identity, deps.Storage, opts.OutboundQueueSize, logger)
	monitor := NewMonitor(registry, opts.LivenessInterval, logger)
	g := &Gateway{
		opts:        opts,
		registry:    registry,
		monitor:     monitor,
		presence:    NewPresenceTracker(registry, deps.PresenceStore, monitor, opts.PresenceDebounce, logger),
		relay:       NewMessageRelay(registry, deps.Storage, deps.Publisher, monitor, logger),
		broadcaster: NewBroadcaster(registry, monitor, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger:  logger.With().Str("component", "gateway").Logger(),
		started: time.Now(),
	}
	return g, nil
}

func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) Presence() *PresenceTracker { return g.presence }

func (g *Gateway) Monitor() *Monitor { return g.monitor }

// Start launches the liveness monitor. It stops on Shutdown or when ctx ends.
func (g *Gateway) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.stopMonitor = cancel
	g.monitorDone = make(chan struct{})
	go func() {
		defer close(g.monitorDone)
		g.monitor.Run(ctx)
	}()
}

// Handler serves the websocket endpoint, /status and /presence.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.opts.Path, g.ServeWS)
	mux.HandleFunc("/status", g.serveStatus)
	mux.HandleFunc("/presence", g.servePresence)
	return mux
}

// ServeWS upgrades the request, admits the connection and runs its read loop
// until the peer goes away or the connection is evicted.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := r.Header.Get("Authorization")
	if token == "" {
		token = q.Get("token")
	}
	token = strings.TrimPrefix(token, "Bearer ")
	claimed := q.Get("user_id")

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.StorageTimeout)
	c, err := g.registry.Admit(ctx, sock, Credential{Token: token, UserID: claimed})
	cancel()
	if err != nil {
		code, text := websocket.CloseInternalServerErr, "admission failed"
		var ae *AuthError
		switch {
		case errors.As(err, &ae):
			code, text = CloseAuthFailed, "authentication failed"
		case errors.Is(err, ErrShuttingDown):
			code, text = CloseShutdown, "server shutting down"
		}
		g.logger.Warn().Err(err).Str("user", claimed).Msg("admission refused")
		_ = sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		_ = sock.Close()
		return
	}

	logger := g.logger.With().Str("conn", c.ID).Str("user", c.UserID).Logger()
	g.reply(c, wire.MustEncode(wire.TypeConnected, wire.Connected{
		ConnectionID: c.ID,
		UserID:       c.UserID,
		ServerTime:   time.Now().UTC(),
	}))

	g.pumps.Add(1)
	go func() {
		defer g.pumps.Done()
		c.writePump(logger)
	}()
	g.readLoop(c, sock, logger)
}

func (g *Gateway) readLoop(c *Conn, sock *websocket.Conn, logger zerolog.Logger) {
	defer g.registry.Remove(c.ID)

	sock.SetReadLimit(g.opts.MaxMessageSize)
	sock.SetPongHandler(func(string) error {
		c.heartbeat()
		return nil
	})

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		g.dispatch(c, data)
	}
}

// dispatch handles one inbound frame. Errors go back to c only; the
// connection stays open.
func (g *Gateway) dispatch(c *Conn, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		g.reply(c, errorFrame("", &MalformedFrameError{Err: err}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.StorageTimeout)
	defer cancel()

	switch f.Type {
	case wire.TypeMessage:
		var in wire.SendMessage
		if err = f.Bind(&in); err == nil {
			_, err = g.relay.Send(ctx, c, in)
		}

	case wire.TypeJoinConversation:
		var in wire.ConversationRef
		if err = bindConversation(f, &in); err == nil {
			if err = g.registry.Subscribe(ctx, c.ID, in.ConversationID); err == nil {
				g.presence.sendSnapshot(c, in.ConversationID)
			}
		}

	case wire.TypeLeaveConversation:
		var in wire.ConversationRef
		if err = bindConversation(f, &in); err == nil {
			g.registry.Unsubscribe(c.ID, in.ConversationID)
		}

	case wire.TypeTypingStart, wire.TypeTypingStop:
		var in wire.ConversationRef
		if err = f.Bind(&in); err == nil {
			_, err = g.broadcaster.Typing(c, in.ConversationID, f.Type == wire.TypeTypingStart)
		}

	case wire.TypeMarkRead:
		var in wire.MarkRead
		if err = f.Bind(&in); err == nil {
			_, err = g.relay.MarkRead(ctx, c, in)
		}

	case wire.TypeStatusUpdate:
		var in wire.StatusUpdate
		if err = f.Bind(&in); err == nil {
			_, err = g.broadcaster.Status(c, in.Status)
		}

	case wire.TypePing:
		c.heartbeat()
		g.reply(c, wire.MustEncode(wire.TypePong, wire.Pong{ServerTime: time.Now().UTC()}))

	case wire.TypePong:
		c.heartbeat()

	default:
		g.reply(c, wire.MustEncode(wire.TypeError, wire.ErrorData{
			Code:    wire.CodeUnknownType,
			Message: "unknown frame type " + f.Type,
			Ref:     f.Type,
		}))
		return
	}

	if err != nil {
		var mf *MalformedFrameError
		if !errors.As(err, &mf) && errors.Is(err, wire.ErrMalformed) {
			err = &MalformedFrameError{Type: f.Type, Err: err}
		}
		g.logger.Debug().Err(err).Str("conn", c.ID).Str("type", f.Type).Msg("frame rejected")
		g.reply(c, errorFrame(f.Type, err))
	}
}

func bindConversation(f wire.Frame, in *wire.ConversationRef) error {
	if err := f.Bind(in); err != nil {
		return err
	}
	if in.ConversationID == "" {
		return &MalformedFrameError{Type: f.Type, Err: errors.New("conversation_id is required")}
	}
	return nil
}

func (g *Gateway) reply(c *Conn, frame []byte) {
	deliver(g.monitor, c, frame)
}

// Status reports live counts and uptime.
func (g *Gateway) Status() StatusReport {
	conns, users, convs := g.registry.Counts()
	return StatusReport{
		Connections:   conns,
		Users:         users,
		Conversations: convs,
		StartedAt:     g.started.UTC(),
		UptimeSeconds: time.Since(g.started).Seconds(),
	}
}

func (g *Gateway) serveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.Status())
}

func (g *Gateway) servePresence(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, g.presence.Status(userID))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Shutdown stops the liveness monitor, closes every connection with 1001 and
// waits for their write pumps to finish or ctx to end.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.stopOnce.Do(func() {
		if g.stopMonitor != nil {
			g.stopMonitor()
			<-g.monitorDone
		}
		g.presence.Stop()
		n := g.registry.CloseAll(CloseShutdown, "server shutting down")
		g.logger.Info().Int("connections", n).Msg("closing connections")
	})

	done := make(chan struct{})
	go func() {
		g.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
