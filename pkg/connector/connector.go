// Package connector keeps one logical relay connection per client process,
// reconnecting with exponential backoff and fanning inbound frames out to
// registered handlers.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/garage-relay/pkg/model"
	"github.com/mahaj/garage-relay/pkg/wire"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

var (
	ErrNotActive      = errors.New("connector is not active")
	ErrAlreadyStarted = errors.New("connector already started")
	errHandshake      = errors.New("relay did not send a connected frame")
)

// Event is one inbound frame. Local is set on the echo of the caller's own
// message, which the relay never sends back.
type Event struct {
	Type  string
	Data  json.RawMessage
	Local bool
}

type Handler func(Event)

type Config struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8080/ws.
	URL    string
	UserID string
	Token  string

	Backoff          Backoff
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           zerolog.Logger
}

type Connector struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	history  []State
	attempt  int
	delays   []time.Duration
	conn     *websocket.Conn
	connID   string
	joined   map[string]struct{}
	handlers map[string][]Handler
	onState  []func(State)
	onRetry  []func(attempt int, delay time.Duration)
	started  bool
	closing  bool
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(cfg Config) (*Connector, error) {
	if cfg.URL == "" || cfg.UserID == "" || cfg.Token == "" {
		return nil, errors.New("connector: url, user id and token are required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("connector: bad url: %w", err)
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Connector{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "connector").Str("user", cfg.UserID).Logger(),
		state:    StateDisconnected,
		history:  []State{StateDisconnected},
		joined:   make(map[string]struct{}),
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}, nil
}

// On registers h for inbound frames of type typ. Use "*" for every type.
func (c *Connector) On(typ string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = append(c.handlers[typ], h)
}

// OnState registers a callback for every state change.
func (c *Connector) OnState(f func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = append(c.onState, f)
}

// OnRetry registers a callback invoked before each reconnect wait.
func (c *Connector) OnRetry(f func(attempt int, delay time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRetry = append(c.onRetry, f)
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns every state the connector has been in, in order.
func (c *Connector) History() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.history...)
}

// RetryDelays returns the waits scheduled so far, in order.
func (c *Connector) RetryDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// ConnectionID is the id the relay assigned to the current connection.
func (c *Connector) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Start begins connecting in the background. The connector runs until Close
// is called or ctx ends.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
	return nil
}

// Close cancels any pending reconnect, closes the socket and waits for the
// connector to reach Disconnected. It never reconnects afterwards.
func (c *Connector) Close() error {
	c.mu.Lock()
	if !c.started {
		c.started, c.closing = true, true
		close(c.done)
		c.mu.Unlock()
		return nil
	}
	if c.closing {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	c.cancel()
	var notify []func(State)
	if c.conn != nil && (c.state == StateOpen || c.state == StateActive) {
		notify = c.setStateLocked(StateClosing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.notifyState(notify, StateClosing)

	<-c.done
	return nil
}

func (c *Connector) run() {
	defer close(c.done)
	for {
		if c.ctx.Err() != nil {
			return
		}
		if !c.transition(StateConnecting) {
			return
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn().Err(err).Msg("dial failed")
			c.transition(StateDisconnected)
			if !c.wait() {
				return
			}
			continue
		}
		if !c.open(conn) {
			_ = conn.Close()
			c.transition(StateDisconnected)
			return
		}

		err = c.session(conn)
		_ = conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.connID = ""
		closing := c.closing
		c.mu.Unlock()

		c.transition(StateDisconnected)
		if closing {
			return
		}
		c.logger.Warn().Err(err).Msg("connection lost")
		if !c.wait() {
			return
		}
	}
}

func (c *Connector) dial() (*websocket.Conn, error) {
	u, _ := url.Parse(c.cfg.URL)
	q := u.Query()
	q.Set("user_id", c.cfg.UserID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, _, err := c.cfg.Dialer.DialContext(c.ctx, u.String(), header)
	return conn, err
}

// open publishes conn as the current socket unless Close got there first.
func (c *Connector) open(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	notify := c.setStateLocked(StateOpen)
	c.mu.Unlock()
	c.notifyState(notify, StateOpen)
	return true
}

// session waits for the relay's connected frame, then reads until the socket
// fails.
func (c *Connector) session(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-c.ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	_, b, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	f, err := wire.Decode(b)
	if err != nil || f.Type != wire.TypeConnected {
		return errHandshake
	}
	var hello wire.Connected
	if err := f.Bind(&hello); err != nil {
		return err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	if err := c.activate(hello.ConnectionID); err != nil {
		return err
	}
	c.dispatch(Event{Type: f.Type, Data: f.Data})

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := wire.Decode(b)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.dispatch(Event{Type: f.Type, Data: f.Data})
	}
}

// activate moves to Active, resets backoff and re-sends every queued join.
func (c *Connector) activate(connID string) error {
	c.mu.Lock()
	if c.closing || c.state != StateOpen {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.connID = connID
	c.attempt = 0
	notify := c.setStateLocked(StateActive)
	var err error
	for conversationID := range c.joined {
		if err = c.writeLocked(wire.TypeJoinConversation, wire.ConversationRef{ConversationID: conversationID}); err != nil {
			break
		}
	}
	c.mu.Unlock()

	c.notifyState(notify, StateActive)
	c.logger.Info().Str("conn", connID).Msg("connector active")
	return err
}

func (c *Connector) wait() bool {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	d := c.cfg.Backoff.Delay(attempt)
	c.delays = append(c.delays, d)
	hooks := slices.Clone(c.onRetry)
	c.mu.Unlock()

	for _, h := range hooks {
		h(attempt+1, d)
	}
	c.logger.Info().Int("attempt", attempt+1).Dur("delay", d).Msg("reconnect scheduled")

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Connector) transition(to State) bool {
	c.mu.Lock()
	if !canTransition(c.state, to) {
		from := c.state
		c.mu.Unlock()
		c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("transition refused")
		return false
	}
	notify := c.setStateLocked(to)
	c.mu.Unlock()
	c.notifyState(notify, to)
	return true
}

func (c *Connector) setStateLocked(to State) []func(State) {
	c.state = to
	c.history = append(c.history, to)
	return slices.Clone(c.onState)
}

func (c *Connector) notifyState(hooks []func(State), s State) {
	for _, h := range hooks {
		h(s)
	}
}

// dispatch runs every handler for ev in registration order. A panicking
// handler is logged and skipped.
func (c *Connector) dispatch(ev Event) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[ev.Type]...)
	hs = append(hs, c.handlers["*"]...)
	c.mu.Unlock()

	for _, h := range hs {
		c.call(h, ev)
	}
}

func (c *Connector) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("type", ev.Type).Msg("handler panicked")
		}
	}()
	h(ev)
}

func (c *Connector) writeLocked(typ string, data any) error {
	if c.conn == nil {
		return ErrNotActive
	}
	b, err := wire.Encode(typ, data)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// send writes a frame if the connector is Active.
func (c *Connector) send(typ string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return ErrNotActive
	}
	return c.writeLocked(typ, data)
}

// Join subscribes to a conversation. Before the connector is Active the join
// is queued and sent on activation; it is re-sent after every reconnect.
func (c *Connector) Join(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[conversationID]; ok {
		return nil
	}
	c.joined[conversationID] = struct{}{}
	if c.state != StateActive {
		return nil
	}
	return c.writeLocked(wire.TypeJoinConversation, wire.ConversationRef{ConversationID: conversationID})
}

func (c *Connector) Leave(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[conversationID]; !ok {
		return nil
	}
	delete(c.joined, conversationID)
	if c.state != StateActive {
		return nil
	}
	return c.writeLocked(wire.TypeLeaveConversation, wire.ConversationRef{ConversationID: conversationID})
}

// Joined lists the conversations the connector keeps subscribed.
func (c *Connector) Joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}

// Send submits a text message. Failure is reported to the caller only; the
// connection itself is unaffected. On success the message is echoed locally
// to "message" handlers with Local set.
func (c *Connector) Send(conversationID, text string) error {
	in := wire.SendMessage{ConversationID: conversationID, Message: text, Kind: model.KindText}
	if err := c.send(wire.TypeMessage, in); err != nil {
		return err
	}
	echo, err := json.Marshal(model.Envelope{
		ConversationID: conversationID,
		SenderID:       c.cfg.UserID,
		Payload:        text,
		Kind:           model.KindText,
		CreatedAt:      time.Now().UTC(),
		Status:         model.StatusPending,
	})
	if err != nil {
		return err
	}
	c.dispatch(Event{Type: wire.TypeMessage, Data: echo, Local: true})
	return nil
}

func (c *Connector) Typing(conversationID string, typing bool) error {
	typ := wire.TypeTypingStop
	if typing {
		typ = wire.TypeTypingStart
	}
	return c.send(typ, wire.ConversationRef{ConversationID: conversationID})
}

func (c *Connector) MarkRead(conversationID string, messageID int64) error {
	return c.send(wire.TypeMarkRead, wire.MarkRead{ConversationID: conversationID, MessageID: messageID})
}

func (c *Connector) SetStatus(status model.PresenceStatus) error {
	return c.send(wire.TypeStatusUpdate, wire.StatusUpdate{Status: status})
}
