// Package events publishes topic-keyed dispatch events to Kafka,
// fire-and-forget: a publish failure is logged and never returned to
// the caller, matching the rest of the platform's best-effort
// persistence calls.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Topic names the event bus subjects the dispatch core emits on.
type Topic string

const (
	TopicRideRequested        Topic = "ride.requested"
	TopicRideMatched          Topic = "ride.matched"
	TopicRideAccepted         Topic = "ride.accepted"
	TopicRideDeclined         Topic = "ride.declined"
	TopicRideExpired          Topic = "ride.expired"
	TopicDriverLocationUpdate Topic = "driver.location.updated"
	TopicDriverStatusChanged  Topic = "driver.status.changed"
	TopicSurgeUpdated         Topic = "surge.updated"
)

// Event is the envelope published on every topic.
type Event struct {
	Topic     Topic       `json:"topic"`
	Key       string      `json:"key"`
	Payload   interface{} `json:"payload"`
	EmittedAt time.Time   `json:"emitted_at"`
}

// Publisher publishes events. Bus and a no-op NullPublisher both satisfy it,
// so tests and cmd/server can run without a Kafka broker.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, key string, payload interface{})
}

// Bus is a kafka-go backed Publisher. One Writer is shared across all
// topics; the topic is set per-message, mirroring how a single broker
// connection fans out many topics in production deployments.
type Bus struct {
	writer *kafka.Writer
}

// NewBus constructs a Bus addressed at the given brokers.
func NewBus(brokers []string) *Bus {
	return &Bus{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
	}
}

// Close flushes and closes the underlying writer.
func (b *Bus) Close() error {
	return b.writer.Close()
}

// Publish writes the event to its topic. On failure it logs and returns;
// callers never see event-bus errors, per the propagation policy that
// governs the rest of the dispatch core's best-effort side effects.
func (b *Bus) Publish(ctx context.Context, topic Topic, key string, payload interface{}) {
	evt := Event{Topic: topic, Key: key, Payload: payload, EmittedAt: time.Now()}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("events: marshal failed topic=%s key=%s err=%v", topic, key, err)
		return
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = ctx
		err := b.writer.WriteMessages(writeCtx, kafka.Message{
			Topic: string(topic),
			Key:   []byte(key),
			Value: body,
		})
		if err != nil {
			log.Printf("events: publish failed topic=%s key=%s err=%v", topic, key, err)
		}
	}()
}

// NullPublisher discards every event. Used where no broker is configured.
type NullPublisher struct{}

// Publish is a no-op.
func (NullPublisher) Publish(context.Context, Topic, string, interface{}) {}
