// Package broker abstracts the partitioned, replicated, ordered log that
// both pipeline cores publish to and consume from.
//
// The contract is intentionally narrow: durable keyed publish, consumer
// groups with explicit post-success commit, a cached health probe, and a
// dead-letter convention. Anything satisfying these properties can sit
// behind the interface; production uses Kafka via franz-go, tests use the
// in-memory Fake.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrUnavailable is returned when the broker cannot be reached. The
// Collector falls back to the disk spool on this error.
var ErrUnavailable = errors.New("broker unavailable")

// Message is a single consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Handler processes one consumed message. Returning nil acknowledges the
// message; returning an error leaves it uncommitted for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// SubscribeOptions collects optional subscription behavior.
type SubscribeOptions struct {
	// BatchFlush runs at every poll-batch boundary. When set, offsets
	// for the batch are committed only after it returns nil, so work a
	// handler buffered across messages is durable before the broker
	// forgets the records.
	BatchFlush func(ctx context.Context) error
}

// SubscribeOption tunes one subscription.
type SubscribeOption func(*SubscribeOptions)

// WithBatchFlush couples offset commits to fn succeeding at each poll
// boundary.
func WithBatchFlush(fn func(ctx context.Context) error) SubscribeOption {
	return func(o *SubscribeOptions) { o.BatchFlush = fn }
}

// Client is the broker contract shared by producers and consumers.
//
// Publish returns once the write is durable on all in-sync replicas, and
// reports the partition the record landed on. Per-partition ordering is
// preserved for a single publisher even under retry.
//
// Subscribe blocks, polling the given topics as part of a consumer group
// and invoking the handler per message. Offsets are committed only after
// the handler succeeds and any configured batch flush confirms; a
// rebalance never acknowledges uncommitted work.
type Client interface {
	Publish(ctx context.Context, topic string, key, value []byte) (partition int32, err error)
	PublishBatch(ctx context.Context, topic string, records []Record) error
	Subscribe(ctx context.Context, topics []string, group string, handler Handler, opts ...SubscribeOption) error
	Healthy(ctx context.Context) bool
	Close()
}

// Record is one keyed value for batch publication.
type Record struct {
	Key   []byte
	Value []byte
}

// DLQ returns the dead-letter topic paired with topic.
func DLQ(topic string) string {
	return topic + ".dlq"
}

// DeadLetter wraps an unprocessable payload with the reason it failed.
type DeadLetter struct {
	Reason        string          `json:"reason"`
	FailedAt      time.Time       `json:"failed_at"`
	OriginalTopic string          `json:"original_topic"`
	Payload       json.RawMessage `json:"payload"`
}

// WrapDeadLetter builds the DLQ envelope around the original value. A
// payload that is not itself valid JSON is carried as a JSON string.
func WrapDeadLetter(reason, originalTopic string, value []byte) []byte {
	payload := json.RawMessage(value)
	if !json.Valid(value) {
		quoted, _ := json.Marshal(string(value))
		payload = quoted
	}
	out, _ := json.Marshal(DeadLetter{
		Reason:        reason,
		FailedAt:      time.Now().UTC(),
		OriginalTopic: originalTopic,
		Payload:       payload,
	})
	return out
}
