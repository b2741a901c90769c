package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	defaultQueueSize      = 256
	defaultMaxMessageSize = 64 * 1024
)

// socket is the subset of *websocket.Conn the relay uses.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one admitted client connection. It belongs to exactly one user for
// its whole lifetime.
//
// Outbound frames go through a bounded queue drained by a single write pump,
// so a slow peer only ever stalls itself. Enqueue never blocks; a full queue
// gets the connection evicted.
type Conn struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	sock socket
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string

	alive        atomic.Bool
	awaitingPong atomic.Bool
	lastBeat     atomic.Int64

	// guarded by Registry.mu
	subs map[string]struct{}
}

func newConn(id, userID string, sock socket, queueSize int) *Conn {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	now := time.Now()
	c := &Conn{
		ID:          id,
		UserID:      userID,
		ConnectedAt: now,
		sock:        sock,
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
		subs:        make(map[string]struct{}),
	}
	c.alive.Store(true)
	c.lastBeat.Store(now.UnixNano())
	return c
}

// Alive reports the liveness flag. It turns false once the connection is
// closed or evicted.
func (c *Conn) Alive() bool { return c.alive.Load() }

// Done is closed when the connection has been removed from the registry.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastBeat.Load())
}

// heartbeat records proof of life from the peer and clears the pending ping.
func (c *Conn) heartbeat() {
	c.lastBeat.Store(time.Now().UnixNano())
	c.awaitingPong.Store(false)
}

func (c *Conn) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close stops the connection. A non-zero code is sent to the peer in a close
// frame after the queued frames are flushed; code 0 drops the socket without
// a handshake. Only the first call has any effect.
func (c *Conn) close(code int, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	c.alive.Store(false)
	close(c.done)
	return true
}

func (c *Conn) ping() error {
	if c.sock == nil {
		return nil
	}
	return c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// writePump is the only writer of data frames to the socket.
func (c *Conn) writePump(logger zerolog.Logger) {
	defer c.sock.Close()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				return
			}
		case <-c.done:
			if c.closeCode == 0 {
				return
			}
			c.flush(logger)
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			if err := c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				logger.Debug().Err(err).Msg("close frame not sent")
			}
			return
		}
	}
}

func (c *Conn) flush(logger zerolog.Logger) {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				logger.Debug().Err(err).Msg("flush failed")
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(frame []byte) error {
	if err := c.sock.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.sock.WriteMessage(websocket.TextMessage, frame)
}
