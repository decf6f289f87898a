package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/chatlink/internal/envelope"
	"github.com/rickgao/chatlink/internal/version"
)

// Option customises a Manager.
type Option func(*Manager)

// WithClock sets the time source for heartbeats and liveness.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithDialer replaces the gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// frame is one read result handed from the reader goroutine to the event loop.
type frame struct {
	data []byte
	err  error
}

// Manager owns one WebSocket channel to the chat server.
type Manager struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger
	clock    clockwork.Clock
	dialer   Dialer
	session  string

	cancel context.CancelFunc
	done   chan struct{}

	// Lock order: writeMu before mu.
	writeMu sync.Mutex

	mu    sync.RWMutex
	state State
	conn  Conn

	// Owned by the event loop.
	heartbeat clockwork.Ticker

	// Unix nanoseconds of the last liveness-confirming frame, 0 before open.
	lastAlive atomic.Int64

	sent         atomic.Int64
	rejected     atomic.Int64
	writeErrors  atomic.Int64
	heartbeats   atomic.Int64
	received     atomic.Int64
	delivered    atomic.Int64
	dropped      atomic.Int64
	dialFailures atomic.Int64
}

// Connect creates a Manager and starts dialing cfg.URL in the background.
// It returns immediately with the manager in StateConnecting.
// Cancelling ctx has the same effect as Close.
func Connect(ctx context.Context, cfg Config, handlers Handlers, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		handlers: handlers,
		clock:    clockwork.NewRealClock(),
		session:  uuid.NewString(),
		done:     make(chan struct{}),
		state:    StateConnecting,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewDialer(cfg.WriteTimeout, cfg.ReadLimit)
	}
	m.logger = logger.With("session", m.session, "url", cfg.URL)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(loopCtx)

	return m
}

// Close shuts the connection down and waits for the event loop to exit.
// It is safe to call more than once.
func (m *Manager) Close() error {
	m.cancel()
	<-m.done
	return nil
}

// Done is closed once the manager reaches StateClosed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// State returns the current readiness state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns the id used to tag this manager's log lines.
func (m *Manager) Session() string {
	return m.session
}

// SendMessage writes a chat message if the connection is open.
// Outside StateOpen it returns a *StateError without touching the transport;
// use errors.Is with ErrNotOpen or ErrClosed to tell "not yet" from "never".
func (m *Manager) SendMessage(text string) error {
	data := envelope.Chat(uuid.NewString(), m.cfg.Username, text)

	if err := m.send(data); err != nil {
		var se *StateError
		if errors.As(err, &se) {
			m.rejected.Add(1)
			m.logger.Debug("message rejected", "state", se.State)
			return err
		}
		m.writeErrors.Add(1)
		m.logger.Warn("failed to send message", "error", err)
		return fmt.Errorf("write message: %w", err)
	}

	m.sent.Add(1)
	m.logger.Debug("message sent", "bytes", len(data))
	return nil
}

// IsAlive reports whether the peer has confirmed liveness within the threshold.
func (m *Manager) IsAlive() bool {
	last := m.lastAlive.Load()
	if last == 0 {
		return false
	}
	return m.clock.Since(time.Unix(0, last)) < m.cfg.LivenessThreshold
}

// LastAlive returns the time of the last liveness-confirming frame.
func (m *Manager) LastAlive() time.Time {
	last := m.lastAlive.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		State:        m.State(),
		Sent:         m.sent.Load(),
		Rejected:     m.rejected.Load(),
		WriteErrors:  m.writeErrors.Load(),
		Heartbeats:   m.heartbeats.Load(),
		Received:     m.received.Load(),
		Delivered:    m.delivered.Load(),
		Dropped:      m.dropped.Load(),
		DialFailures: m.dialFailures.Load(),
	}
}

// send writes data when the state is open.
func (m *Manager) send(data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	state, conn := m.state, m.conn
	m.mu.RUnlock()

	if state != StateOpen {
		return &StateError{State: state}
	}
	return conn.WriteMessage(data)
}

// setState must be called with writeMu held so no write straddles a transition.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev != s {
		m.logger.Debug("state changed", "from", prev, "to", s)
	}
}

func (m *Manager) header() http.Header {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}
	return header
}

// run is the event loop. It owns the transport for the manager's lifetime.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	conn, err := m.dialer.Dial(ctx, m.cfg.URL, m.header())
	if err == nil && ctx.Err() != nil {
		conn.Close()
		err = ctx.Err()
	}
	if err != nil {
		if ctx.Err() == nil {
			// The manager stays in Connecting; callers bound the wait themselves.
			m.dialFailures.Add(1)
			m.logger.Warn("dial failed", "error", err)
			<-ctx.Done()
		}
		m.writeMu.Lock()
		m.setState(StateClosed)
		m.writeMu.Unlock()
		m.logger.Info("closed before open")
		return
	}

	m.open(conn)

	frames := make(chan frame, m.cfg.BufferSize)
	go m.readLoop(conn, frames)

	m.handlers.open()

	for {
		select {
		case <-ctx.Done():
			m.shutdown(conn)
			return

		case <-m.heartbeat.Chan():
			m.sendHeartbeat()

		case f := <-frames:
			if f.err != nil {
				m.disconnected(conn, f.err)
				return
			}
			m.route(f.data)
		}
	}
}

// open moves to StateOpen and sends the handshake before any other write.
func (m *Manager) open(conn Conn) {
	m.lastAlive.Store(m.clock.Now().UnixNano())

	m.writeMu.Lock()
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(StateOpen)

	if err := conn.WriteMessage(envelope.Handshake(m.cfg.Username)); err != nil {
		m.writeErrors.Add(1)
		m.logger.Warn("failed to send handshake", "error", err)
	}
	m.writeMu.Unlock()

	m.startHeartbeat()

	m.logger.Info("connected", "username", m.cfg.Username)
}

// shutdown handles an explicit Close while open.
func (m *Manager) shutdown(conn Conn) {
	m.stopHeartbeat()

	m.writeMu.Lock()
	m.setState(StateClosing)
	if err := conn.Close(); err != nil {
		m.logger.Debug("close error", "error", err)
	}
	m.setState(StateClosed)
	m.writeMu.Unlock()

	m.logger.Info("connection closed")
	m.handlers.close()
}

// disconnected handles a transport failure or peer close.
func (m *Manager) disconnected(conn Conn, cause error) {
	m.stopHeartbeat()

	m.writeMu.Lock()
	m.setState(StateClosed)
	conn.Close()
	m.writeMu.Unlock()

	m.logger.Warn("disconnected", "error", cause)
	m.handlers.close()
}

func (m *Manager) startHeartbeat() {
	m.heartbeat = m.clock.NewTicker(m.cfg.HeartbeatInterval)
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
}

// sendHeartbeat writes one probe. Success says nothing about the peer.
func (m *Manager) sendHeartbeat() {
	if err := m.send(envelope.Heartbeat(m.cfg.Username)); err != nil {
		m.logger.Debug("failed to send heartbeat", "error", err)
		return
	}
	m.heartbeats.Add(1)
	m.logger.Debug("heartbeat sent", "peer_alive", m.IsAlive())
}

// readLoop reads frames and hands them to the event loop in order.
// It exits after the first read error or once the loop has stopped.
func (m *Manager) readLoop(conn Conn, frames chan<- frame) {
	for {
		data, err := conn.ReadMessage()

		select {
		case frames <- frame{data: data, err: err}:
		case <-m.done:
			return
		}

		if err != nil {
			return
		}
	}
}
