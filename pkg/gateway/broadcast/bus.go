package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/vango-go/vai-dialog/internal/logging"
)

const topicPrefix = "transcripts."

// bus carries deliveries from a session shard to its subscribers. Publishing
// blocks until every subscriber has acked, which keeps per-topic order.
type bus struct {
	pubsub *gochannel.GoChannel
}

func newBus(logger *slog.Logger) *bus {
	return &bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            16,
			BlockPublishUntilSubscriberAck: true,
		}, logging.NewWatermill(logger)),
	}
}

func topicFor(sessionID string) string {
	return topicPrefix + sessionID
}

func (b *bus) publish(sessionID string, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("session_id", sessionID)
	msg.Metadata.Set("type", string(d.Type))
	return b.pubsub.Publish(topicFor(sessionID), msg)
}

func (b *bus) subscribe(ctx context.Context, sessionID string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topicFor(sessionID))
}

func (b *bus) close() error {
	return b.pubsub.Close()
}
