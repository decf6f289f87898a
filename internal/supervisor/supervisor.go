// Package supervisor reconnects a chat session by running a fresh
// connection.Manager per attempt. No state carries over between managers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/chatlink/internal/connection"
)

// ErrHandshakeTimeout is returned by Run when reconnection is disabled and the
// only attempt never opened.
var ErrHandshakeTimeout = errors.New("connection did not open in time")

// Policy controls reconnection.
type Policy struct {
	Reconnect        bool          // false = run one attempt only
	BaseDelay        time.Duration // First backoff wait
	MaxDelay         time.Duration // Backoff cap
	HandshakeTimeout time.Duration // Max time in Connecting before giving up on an attempt
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		Reconnect:        true,
		BaseDelay:        1 * time.Second,
		MaxDelay:         60 * time.Second,
		HandshakeTimeout: 15 * time.Second,
	}
}

// Supervisor keeps a chat session connected.
type Supervisor struct {
	cfg      connection.Config
	policy   Policy
	handlers connection.Handlers
	logger   *slog.Logger
	clock    clockwork.Clock
	opts     []connection.Option

	mu       sync.RWMutex
	current  *connection.Manager
	attempts int
	stopped  bool
}

// New creates a Supervisor. A nil clock means the real clock; opts are passed
// to every connection.Connect call.
func New(cfg connection.Config, policy Policy, handlers connection.Handlers, logger *slog.Logger, clock clockwork.Clock, opts ...connection.Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Supervisor{
		cfg:      cfg,
		policy:   policy,
		handlers: handlers,
		logger:   logger,
		clock:    clock,
		opts:     append([]connection.Option{connection.WithClock(clock)}, opts...),
	}
}

// Run connects and reconnects until ctx is cancelled.
// It returns nil on cancellation. With Reconnect off it returns after the
// first attempt ends, with that attempt's error.
//
// Waits between attempts start at BaseDelay and double up to MaxDelay.
// A session that reached Open resets the sequence, so the retries that
// follow it wait BaseDelay, 2*BaseDelay, 4*BaseDelay and so on.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	}()

	wait := s.policy.BaseDelay

	for {
		opened, err := s.attempt(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !s.policy.Reconnect {
			return err
		}
		if opened {
			wait = s.policy.BaseDelay
		}

		s.logger.Info("reconnecting", "wait", wait)

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}

		// Exponential backoff
		wait *= 2
		if wait > s.policy.MaxDelay {
			wait = s.policy.MaxDelay
		}
	}
}

// attempt runs one manager until it closes. It reports whether the manager
// reached StateOpen.
func (s *Supervisor) attempt(ctx context.Context) (bool, error) {
	opened := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)

	handlers := s.handlers
	handlers.OnOpen = func() {
		opened <- struct{}{}
		if s.handlers.OnOpen != nil {
			s.handlers.OnOpen()
		}
	}
	handlers.OnClose = func() {
		if s.handlers.OnClose != nil {
			s.handlers.OnClose()
		}
		closed <- struct{}{}
	}

	m := connection.Connect(ctx, s.cfg, handlers, s.logger, s.opts...)
	s.setCurrent(m)
	defer s.setCurrent(nil)
	defer m.Close()

	timeout := s.clock.NewTimer(s.policy.HandshakeTimeout)
	err := waitOpen(ctx, opened, timeout.Chan())
	timeout.Stop()
	if err != nil {
		if errors.Is(err, ErrHandshakeTimeout) {
			s.logger.Warn("handshake timeout", "timeout", s.policy.HandshakeTimeout, "session", m.Session())
		}
		return false, err
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-closed:
		s.logger.Warn("connection lost", "session", m.Session(), "stats", m.Stats())
		return true, nil
	}
}

// waitOpen blocks until opened fires, the timeout expires or ctx ends.
// An open that is already signalled when the timeout fires still counts.
func waitOpen(ctx context.Context, opened <-chan struct{}, timeout <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-opened:
		return nil
	case <-timeout:
		select {
		case <-opened:
			return nil
		default:
			return ErrHandshakeTimeout
		}
	}
}

func (s *Supervisor) setCurrent(m *connection.Manager) {
	s.mu.Lock()
	s.current = m
	if m != nil {
		s.attempts++
	}
	s.mu.Unlock()
}

func (s *Supervisor) manager() (*connection.Manager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.stopped
}

// SendMessage sends through the current manager. Between attempts it
// reports connection.ErrNotOpen; after Run returns, connection.ErrClosed.
func (s *Supervisor) SendMessage(text string) error {
	m, stopped := s.manager()
	if m == nil {
		if stopped {
			return &connection.StateError{State: connection.StateClosed}
		}
		return fmt.Errorf("reconnecting: %w", connection.ErrNotOpen)
	}
	return m.SendMessage(text)
}

// IsAlive reports the current manager's peer liveness.
func (s *Supervisor) IsAlive() bool {
	m, _ := s.manager()
	return m != nil && m.IsAlive()
}

// State returns the current manager's state.
func (s *Supervisor) State() connection.State {
	m, stopped := s.manager()
	if m == nil {
		if stopped {
			return connection.StateClosed
		}
		return connection.StateConnecting
	}
	return m.State()
}

// Stats returns the current manager's counters.
func (s *Supervisor) Stats() connection.Stats {
	m, stopped := s.manager()
	if m == nil {
		state := connection.StateConnecting
		if stopped {
			state = connection.StateClosed
		}
		return connection.Stats{State: state}
	}
	return m.Stats()
}

// Attempts returns the number of managers created so far.
func (s *Supervisor) Attempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}
