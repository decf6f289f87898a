// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns one WebSocket channel to the chat server
//   - Sends a handshake on open, then a heartbeat every 5 seconds
//   - Tracks peer liveness from inbound heartbeats (12 second window)
//   - Routes inbound frames to the chat handler in arrival order
//   - Does not reconnect; see package supervisor for that
package connection
