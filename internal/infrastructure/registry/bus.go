package registry

import (
	"encoding/json"

	"returnfeed/internal/core/domain"

	"go.uber.org/zap"
)

// Observer is notified after each fan-out, e.g. to feed metrics.
type Observer func(sessionID domain.SessionID, delivered, failed int)

// Bus delivers a message to every connection currently registered under
// a session id. The message is serialized once; per-connection send
// errors are logged and do not abort delivery to the remainder. Ordering
// holds per connection for broadcasts issued by a single writer because
// each sender queues FIFO.
type Bus struct {
	registry *Registry
	logger   *zap.SugaredLogger
	observer Observer
	relay    func(sessionID domain.SessionID, frame []byte)
}

func NewBus(registry *Registry, logger *zap.SugaredLogger) *Bus {
	return &Bus{registry: registry, logger: logger}
}

// SetObserver installs a fan-out observer. Not safe to call after the
// bus is in use.
func (b *Bus) SetObserver(observer Observer) {
	b.observer = observer
}

// SetRelay installs a hook that forwards session frames to other relay
// instances. Frames arriving from the relay are delivered with
// DeliverFrame, never re-relayed. Not safe to call after the bus is in
// use.
func (b *Bus) SetRelay(relay func(sessionID domain.SessionID, frame []byte)) {
	b.relay = relay
}

// Broadcast sends a message to every live connection in the session.
func (b *Bus) Broadcast(sessionID domain.SessionID, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		b.logger.Errorw("failed to marshal broadcast message", "session_id", sessionID, "error", err)
		return
	}

	b.DeliverFrame(sessionID, data)

	if b.relay != nil {
		b.relay(sessionID, data)
	}
}

// DeliverFrame fans a pre-serialized frame out to the session's local
// connections.
func (b *Bus) DeliverFrame(sessionID domain.SessionID, data []byte) {
	delivered, failed := 0, 0
	b.registry.ForEachInSession(sessionID, func(id domain.ClientID, sender Sender) {
		if err := sender.Send(data); err != nil {
			failed++
			b.logger.Warnw("broadcast send failed", "session_id", sessionID, "client_id", id, "error", err)
			return
		}
		delivered++
	})

	if b.observer != nil {
		b.observer(sessionID, delivered, failed)
	}
	b.logger.Debugw("broadcast delivered", "session_id", sessionID, "delivered", delivered, "failed", failed)
}

// BroadcastGlobal sends a message to all known connections. Used for
// maintenance traffic only, never domain data.
func (b *Bus) BroadcastGlobal(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		b.logger.Errorw("failed to marshal global broadcast message", "error", err)
		return
	}

	b.registry.ForEach(func(id domain.ClientID, sender Sender) {
		if err := sender.Send(data); err != nil {
			b.logger.Warnw("global broadcast send failed", "client_id", id, "error", err)
		}
	})
}
