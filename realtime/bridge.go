package realtime

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// roomPattern matches every per-job progress channel.
const roomPattern = "job:*"

// Bridge forwards progress events from the redis pub/sub channels to the
// websocket rooms of the same name. One bridge per process is enough; the
// hub handles the per-room fan-out.
type Bridge struct {
	client *redis.Client
	hub    *Hub
	logger *logrus.Entry
}

func NewBridge(client *redis.Client, hub *Hub, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bridge{
		client: client,
		hub:    hub,
		logger: logger.WithField("component", "realtime-bridge"),
	}
}

// Run subscribes to the progress channels and forwards until the context
// is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, roomPattern)
	defer sub.Close()

	// Force the subscription before consuming so a racing publisher
	// cannot slip between subscribe and receive.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.hub.Broadcast(msg.Channel, []byte(msg.Payload))
		}
	}
}
