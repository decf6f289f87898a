// Package envelope defines the JSON wire unit exchanged with the chat server.
//
// Inbound frames are decoded into a closed set of kinds before any field is
// read, so a malformed frame is rejected here instead of downstream:
//   - KindHandshake: {"system": "connected"} reply (or a "connecting" hello)
//   - KindHeartbeat: {"system": "heartbeat"}
//   - KindNotice:    {"system": "another_user_connected"}
//   - KindMessage:   chat content with id, text and author
//   - KindUnknown:   any other system subtype, ignored by callers
package envelope

import (
	"encoding/json"
	"errors"
)

// Errors
var (
	ErrMalformed           = errors.New("malformed envelope")
	ErrMissingDiscriminant = errors.New("envelope has no system or message field")
)

// Kind classifies a decoded envelope.
type Kind int

const (
	KindUnknown Kind = iota
	KindHandshake
	KindHeartbeat
	KindNotice
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindHeartbeat:
		return "heartbeat"
	case KindNotice:
		return "notice"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

// System subtypes carried in the "system" field.
const (
	SystemConnecting    = "connecting"
	SystemConnected     = "connected"
	SystemHeartbeat     = "heartbeat"
	SystemUserConnected = "another_user_connected"
)

// Message is an application chat message.
type Message struct {
	ID       string
	Text     string
	AuthorID string
}

// Envelope is one decoded inbound frame.
type Envelope struct {
	Kind     Kind
	System   string // Subtype for system envelopes, empty for KindMessage
	Username string
	Message  Message // Set only for KindMessage
}

// ConfirmsLiveness reports whether the envelope proves the peer is responsive.
func (e Envelope) ConfirmsLiveness() bool {
	switch e.Kind {
	case KindHeartbeat:
		return true
	case KindHandshake:
		return e.System == SystemConnected
	}
	return false
}

// Wire types for outbound envelopes

type handshakeWire struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

type heartbeatWire struct {
	Username string `json:"username"`
	System   string `json:"system"`
}

type chatWire struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// Handshake encodes the hello sent once after the connection opens.
func Handshake(username string) []byte {
	data, _ := json.Marshal(handshakeWire{Username: username, Message: SystemConnecting})
	return data
}

// Heartbeat encodes the periodic liveness probe.
func Heartbeat(username string) []byte {
	data, _ := json.Marshal(heartbeatWire{Username: username, System: SystemHeartbeat})
	return data
}

// Chat encodes an outbound chat message.
func Chat(id, username, text string) []byte {
	data, _ := json.Marshal(chatWire{ID: id, Username: username, Message: text})
	return data
}
