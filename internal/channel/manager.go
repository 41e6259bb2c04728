// Package channel owns the persistent push-channel WebSocket to the backend.
//
// The manager keeps exactly one connection alive: every close or transport
// error schedules a reconnect with exponential backoff (deduplicated so only
// one reconnect is ever pending), and a successful open resets the backoff
// to its floor. Inbound text frames are handed to a single consumer on a
// per-connection dispatch goroutine, in arrival order, so the read loop is
// never blocked.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tapagent/internal/metrics"
)

const (
	readLimit    = 512 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Consumer receives one inbound text payload. Payloads from one connection
// arrive on a single dispatch goroutine in the order they were read, so the
// consumer must return promptly and hand long work to its own goroutines.
type Consumer func(ctx context.Context, payload []byte)

// URLProvider resolves the channel URL at dial time, so a re-pair takes
// effect on the next reconnect.
type URLProvider func() (string, error)

// Manager owns the socket handle and the reconnect/backoff state.
type Manager struct {
	urls     URLProvider
	consumer Consumer
	dialer   *websocket.Dialer
	logger   *slog.Logger

	floor   time.Duration
	ceiling time.Duration

	mu               sync.Mutex
	conn             *websocket.Conn
	backoff          time.Duration
	reconnectPending bool
	timer            *time.Timer
	closed           bool
}

// Option configures the manager.
type Option func(*Manager)

// WithBackoff overrides the reconnect backoff floor and ceiling.
func WithBackoff(floor, ceiling time.Duration) Option {
	return func(m *Manager) {
		m.floor = floor
		m.ceiling = ceiling
	}
}

// New creates a channel manager. The consumer must be non-nil.
func New(urls URLProvider, consumer Consumer, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		urls:     urls,
		consumer: consumer,
		dialer:   websocket.DefaultDialer,
		logger:   logger,
		floor:    500 * time.Millisecond,
		ceiling:  8 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.backoff = m.floor
	return m
}

// Connect dials the channel. On failure a backoff reconnect is scheduled;
// the error is returned for logging but the manager keeps trying on its own.
// ctx bounds the lifetime of the connection and all reconnect attempts.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	// Reconnection always tears down the previous socket first.
	m.teardownLocked()
	m.mu.Unlock()

	url, err := m.urls()
	if err != nil {
		m.logger.Warn("channel url unavailable", "error", err)
		m.scheduleBackoffReconnect(ctx)
		return err
	}

	conn, _, err := m.dialer.DialContext(ctx, url, nil)
	if err != nil {
		m.logger.Warn("channel dial failed", "url", url, "error", err)
		m.scheduleBackoffReconnect(ctx)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	// A concurrent dial may have won the race while this one was in
	// flight; its socket must not be orphaned alive.
	m.teardownLocked()
	m.conn = conn
	m.backoff = m.floor // healthy open resets backoff
	m.mu.Unlock()

	metrics.ChannelConnected.Set(1)
	m.logger.Info("channel connected", "url", url)

	go m.readLoop(ctx, conn)
	go m.pingLoop(ctx, conn)
	return nil
}

// Connected reports whether a socket is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// RequestReconnect tears down the current socket and reconnects after the
// given delay, without touching the backoff. No-op when a reconnect is
// already pending. Used by the orchestrator to guarantee a healthy channel
// after each collection attempt.
func (m *Manager) RequestReconnect(ctx context.Context, after time.Duration) {
	m.mu.Lock()
	if m.closed || m.reconnectPending {
		m.mu.Unlock()
		return
	}
	m.reconnectPending = true
	m.teardownLocked()
	m.timer = time.AfterFunc(after, func() { m.reconnect(ctx) })
	m.mu.Unlock()

	metrics.ChannelReconnectsTotal.Inc()
	m.logger.Info("channel reconnect requested", "after", after)
}

// Close releases the socket deterministically and stops all reconnects.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.teardownLocked()
	m.mu.Unlock()

	m.logger.Info("channel closed")
}

// scheduleBackoffReconnect schedules a reconnect after the current backoff,
// then doubles the backoff up to the ceiling. A reconnect already pending
// makes this a no-op, so overlapping failure events never stack timers.
func (m *Manager) scheduleBackoffReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.reconnectPending {
		m.mu.Unlock()
		return
	}
	m.reconnectPending = true
	m.teardownLocked()

	delay := m.backoff
	m.backoff = nextBackoff(m.backoff, m.ceiling)
	m.timer = time.AfterFunc(delay, func() { m.reconnect(ctx) })
	m.mu.Unlock()

	metrics.ChannelReconnectsTotal.Inc()
	m.logger.Info("channel reconnect scheduled", "delay", delay)
}

func (m *Manager) reconnect(ctx context.Context) {
	m.mu.Lock()
	m.reconnectPending = false
	closed := m.closed
	m.mu.Unlock()

	if closed || ctx.Err() != nil {
		return
	}
	_ = m.Connect(ctx)
}

// teardownLocked closes the current socket best-effort. Caller holds m.mu.
func (m *Manager) teardownLocked() {
	if m.conn == nil {
		return
	}
	_ = m.conn.Close() // errors swallowed; the handle must not leak
	m.conn = nil
	metrics.ChannelConnected.Set(0)
}

// readLoop consumes frames until the socket errors or closes, then hands
// control to the backoff scheduler. Only frames from the current socket are
// delivered; a stale loop exits quietly.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// One dispatch goroutine per connection keeps the consumer off the
	// read loop while preserving arrival order.
	frames := make(chan []byte, 32)
	go func() {
		for payload := range frames {
			m.consumer(ctx, payload)
		}
	}()
	defer close(frames)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				m.logger.Warn("channel read error", "error", err)
			} else {
				m.logger.Info("channel closed by peer")
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		m.logger.Debug("channel message", "bytes", len(payload))
		frames <- payload
	}

	m.mu.Lock()
	stale := m.conn != conn
	if !stale {
		m.teardownLocked()
	}
	m.mu.Unlock()

	if !stale {
		m.scheduleBackoffReconnect(ctx)
	}
}

// pingLoop keeps the connection alive; exits when the socket dies.
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// nextBackoff doubles the delay up to the ceiling.
func nextBackoff(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}
