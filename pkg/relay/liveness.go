package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const defaultLivenessInterval = 30 * time.Second

// evictor removes a single misbehaving connection.
type evictor interface {
	Evict(c *Conn, cause error)
}

// Monitor pings every connection once per interval. A connection that has not
// answered the previous ping by the next sweep is evicted. It is the only
// thing that notices peers that vanished without a close frame.
type Monitor struct {
	registry *Registry
	interval time.Duration
	logger   zerolog.Logger
}

func NewMonitor(registry *Registry, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultLivenessInterval
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		logger:   logger.With().Str("component", "liveness").Logger(),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Msg("liveness monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one ping cycle and returns how many connections it evicted.
func (m *Monitor) Sweep() int {
	evicted := 0
	for _, c := range m.registry.Snapshot() {
		if c.awaitingPong.Swap(true) {
			m.Evict(c, &DeadConnectionError{ConnectionID: c.ID, Reason: "missed heartbeat"})
			evicted++
			continue
		}
		if err := c.ping(); err != nil {
			m.Evict(c, &DeadConnectionError{ConnectionID: c.ID, Reason: "ping failed: " + err.Error()})
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Info().Int("evicted", evicted).Msg("sweep evicted dead connections")
	}
	return evicted
}

// Evict marks c dead and removes it with the same side effects as a normal
// close: unsubscription everywhere and a presence re-evaluation.
func (m *Monitor) Evict(c *Conn, cause error) {
	c.alive.Store(false)

	code := 0
	var dead *DeadConnectionError
	if errors.As(cause, &dead) && dead.Reason == reasonQueueFull {
		code = CloseQueueFull
	}
	if m.registry.remove(c.ID, code, "evicted") {
		m.logger.Warn().Err(cause).Str("conn", c.ID).Str("user", c.UserID).Msg("connection evicted")
	}
}

const reasonQueueFull = "outbound queue full"

// deliver enqueues frame on c and evicts c if its queue is full.
func deliver(ev evictor, c *Conn, frame []byte) bool {
	if c.enqueue(frame) {
		return true
	}
	if c.Alive() {
		ev.Evict(c, &DeadConnectionError{ConnectionID: c.ID, Reason: reasonQueueFull})
	}
	return false
}
