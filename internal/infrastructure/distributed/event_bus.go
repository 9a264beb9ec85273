package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"returnfeed/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const broadcastChannel = "returnfeed:broadcasts"

// frameEvent carries one serialized session frame between relay
// instances.
type frameEvent struct {
	InstanceID string           `json:"instanceId"`
	SessionID  domain.SessionID `json:"sessionId"`
	Timestamp  time.Time        `json:"timestamp"`
	Frame      json.RawMessage  `json:"frame"`
}

// EventBus mirrors session broadcasts across relay instances over Redis
// pub/sub. Clients of the same session may be connected to different
// instances behind a load balancer; without the mirror a tally update
// would only reach the connections local to the instance that handled
// it.
type EventBus struct {
	client     *redis.Client
	instanceID string
	deliver    func(sessionID domain.SessionID, frame []byte)
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, deliver func(sessionID domain.SessionID, frame []byte), logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: uuid.NewString(),
		deliver:    deliver,
		logger:     logger,
	}
}

// Publish forwards a locally-broadcast frame to the other instances.
// Intended as the bus relay hook, so it must not block the fan-out path
// for long.
func (eb *EventBus) Publish(sessionID domain.SessionID, frame []byte) {
	event := frameEvent{
		InstanceID: eb.instanceID,
		SessionID:  sessionID,
		Timestamp:  time.Now(),
		Frame:      frame,
	}

	data, err := json.Marshal(event)
	if err != nil {
		eb.logger.Errorw("failed to marshal relay event", "session_id", sessionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := eb.client.Publish(ctx, broadcastChannel, data).Err(); err != nil {
		eb.logger.Warnw("failed to publish relay event", "session_id", sessionID, "error", err)
	}
}

// Run subscribes to the broadcast channel and delivers frames published
// by other instances to the local connections. Blocks until the context
// is cancelled.
func (eb *EventBus) Run(ctx context.Context) error {
	pubsub := eb.client.Subscribe(ctx, broadcastChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", broadcastChannel, err)
	}

	ch := pubsub.Channel()
	eb.logger.Infow("cross-instance relay subscribed", "channel", broadcastChannel, "instance_id", eb.instanceID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay subscription closed")
			}

			var event frameEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal relay event", "error", err)
				continue
			}

			// frames we published ourselves are already delivered locally
			if event.InstanceID == eb.instanceID {
				continue
			}

			eb.deliver(event.SessionID, event.Frame)
		}
	}
}
