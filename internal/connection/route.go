package connection

import (
	"github.com/rickgao/chatlink/internal/envelope"
)

// route classifies one inbound frame and dispatches it. Runs on the event loop.
func (m *Manager) route(data []byte) {
	m.received.Add(1)

	env, err := envelope.Decode(data)
	if err != nil {
		m.dropped.Add(1)
		m.logger.Warn("dropping inbound frame", "error", err, "bytes", len(data))
		return
	}

	if env.ConfirmsLiveness() {
		m.lastAlive.Store(m.clock.Now().UnixNano())
	}

	switch env.Kind {
	case envelope.KindMessage:
		m.delivered.Add(1)
		m.handlers.message(env.Message)

	case envelope.KindNotice:
		m.logger.Info("peer notice", "system", env.System)
		m.handlers.notice(env)

	case envelope.KindHeartbeat, envelope.KindHandshake:
		m.logger.Debug("system envelope", "system", env.System)

	default:
		m.logger.Debug("ignoring unknown system envelope", "system", env.System)
	}
}
