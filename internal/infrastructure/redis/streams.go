package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/paymentflow/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamPrefix namespaces one stream per topic.
const StreamPrefix = "events:"

// StreamName returns the stream that carries topic.
func StreamName(topic string) string {
	return StreamPrefix + topic
}

// StreamBus publishes outbox events to Redis Streams. The XADD entry id is
// the broker acknowledgment.
type StreamBus struct {
	client redis.Cmdable
	maxLen int64
}

func NewStreamBus(client redis.Cmdable, maxLen int64) *StreamBus {
	return &StreamBus{client: client, maxLen: maxLen}
}

func (b *StreamBus) Publish(ctx context.Context, event *outbox.Event) (string, error) {
	topic := event.EventType.Topic()
	if topic == "" {
		return "", fmt.Errorf("no topic for event type %q", event.EventType)
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: StreamName(topic),
		Values: map[string]any{
			"event_id":   event.ID.String(),
			"payment_id": event.PaymentID.String(),
			"event_type": string(event.EventType),
			"payload":    string(payload),
			"created_at": event.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return id, nil
}

// Message is a decoded stream entry.
type Message struct {
	StreamID  string
	EventID   uuid.UUID
	PaymentID uuid.UUID
	EventType outbox.EventType
	Payload   map[string]any
	CreatedAt time.Time
}

// DecodeMessage parses a stream entry written by StreamBus.
func DecodeMessage(msg redis.XMessage) (Message, error) {
	out := Message{StreamID: msg.ID}

	str := func(field string) string {
		s, _ := msg.Values[field].(string)
		return s
	}

	var err error
	if out.EventID, err = uuid.Parse(str("event_id")); err != nil {
		return out, fmt.Errorf("invalid event_id: %w", err)
	}
	if out.PaymentID, err = uuid.Parse(str("payment_id")); err != nil {
		return out, fmt.Errorf("invalid payment_id: %w", err)
	}
	if out.EventType, err = outbox.ParseEventType(str("event_type")); err != nil {
		return out, err
	}
	if raw := str("payload"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &out.Payload); err != nil {
			return out, fmt.Errorf("invalid payload: %w", err)
		}
	}
	if ts := str("created_at"); ts != "" {
		if out.CreatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return out, fmt.Errorf("invalid created_at: %w", err)
		}
	}
	return out, nil
}

type StreamConsumer struct {
	client        redis.Cmdable
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
	// claimCursor is where the next ClaimStale resumes in the pending list.
	claimCursor string
}

func NewStreamConsumer(
	client redis.Cmdable,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) Stream() string {
	return c.stream
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	// Create stream if it doesn't exist
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Read blocks up to the configured duration for new entries. Undecodable
// entries are returned as raw ids in poison so the caller can ack them.
func (c *StreamConsumer) Read(ctx context.Context) (msgs []Message, poison []string, err error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No new messages
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, stream := range streams {
		m, p := decodeAll(stream.Messages)
		msgs = append(msgs, m...)
		poison = append(poison, p...)
	}
	return msgs, poison, nil
}

// ClaimStale takes over entries that some consumer of the group read but
// did not ack within minIdle, including this consumer's own. Successive
// calls walk the pending list and wrap around at its end.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) (msgs []Message, poison []string, err error) {
	start := c.claimCursor
	if start == "" {
		start = "0-0"
	}
	raw, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to claim pending messages: %w", err)
	}
	c.claimCursor = next

	msgs, poison = decodeAll(raw)
	return msgs, poison, nil
}

func decodeAll(raw []redis.XMessage) (msgs []Message, poison []string) {
	for _, r := range raw {
		msg, err := DecodeMessage(r)
		if err != nil {
			poison = append(poison, r.ID)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, poison
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	err := c.client.XAck(ctx, c.stream, c.group, messageID).Err()
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}
