package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/chatlink/internal/envelope"
)

// Errors
var (
	ErrNotOpen = errors.New("connection not open yet")
	ErrClosed  = errors.New("connection closed")
)

// State is the readiness of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StateError reports a send attempted outside StateOpen.
// It unwraps to ErrClosed for StateClosed and ErrNotOpen otherwise.
type StateError struct {
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot send while %s", e.State)
}

func (e *StateError) Unwrap() error {
	if e.State == StateClosed {
		return ErrClosed
	}
	return ErrNotOpen
}

// Handlers receive connection events. All callbacks run on the manager's
// event loop in arrival order; nil callbacks are skipped.
// A callback must not call Manager.Close, which waits for the loop to exit.
type Handlers struct {
	OnOpen    func()
	OnClose   func()
	OnMessage func(msg envelope.Message)
	OnNotice  func(env envelope.Envelope)
}

func (h Handlers) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h Handlers) close() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

func (h Handlers) message(msg envelope.Message) {
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (h Handlers) notice(env envelope.Envelope) {
	if h.OnNotice != nil {
		h.OnNotice(env)
	}
}

// Config configures a Connection Manager.
type Config struct {
	URL               string        // WebSocket URL (e.g., ws://localhost:4321)
	Username          string        // Identity announced in handshake and heartbeats
	Token             string        // Bearer token for the upgrade request (empty = none)
	HeartbeatInterval time.Duration // Period of outbound heartbeat probes
	LivenessThreshold time.Duration // Max silence before the peer is considered dead
	WriteTimeout      time.Duration // Write deadline for sends
	ReadLimit         int64         // Max inbound frame size in bytes (0 = unlimited)
	BufferSize        int           // Inbound frame queue between reader and event loop
}

// DefaultConfig returns the standard heartbeat and liveness timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		LivenessThreshold: 12 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadLimit:         1 << 20,
		BufferSize:        256,
	}
}

// Stats is a snapshot of manager counters.
type Stats struct {
	State        State
	Sent         int64 // Chat messages written
	Rejected     int64 // Chat messages refused because the connection was not open
	WriteErrors  int64 // Writes that failed at the transport
	Heartbeats   int64 // Heartbeat probes written
	Received     int64 // Inbound frames
	Delivered    int64 // Chat messages handed to OnMessage
	Dropped      int64 // Malformed inbound frames
	DialFailures int64
}
