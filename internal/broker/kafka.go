package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig holds connection and tuning settings for the Kafka client.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	// HandlerRetries is how many times a consumer handler is attempted
	// before the message is routed to the topic's DLQ and committed.
	HandlerRetries int

	// HealthCacheTTL bounds how long a health probe result is reused.
	HealthCacheTTL time.Duration
}

// DefaultKafkaConfig returns the standard production settings.
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:        brokers,
		ClientID:       "lumilearn-pipeline",
		HandlerRetries: 3,
		HealthCacheTTL: 30 * time.Second,
	}
}

// KafkaClient implements Client on top of franz-go.
//
// The producer is shared and safe for concurrent use; franz-go serializes
// writes per partition internally. One produce request in flight per
// broker keeps per-partition order intact under retry.
type KafkaClient struct {
	cfg      KafkaConfig
	producer *kgo.Client

	healthMu      sync.Mutex
	healthyCached bool
	healthChecked time.Time
}

// NewKafkaClient connects a shared producer to the given seed brokers.
func NewKafkaClient(cfg KafkaConfig) (*KafkaClient, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if cfg.HandlerRetries <= 0 {
		cfg.HandlerRetries = 3
	}
	if cfg.HealthCacheTTL <= 0 {
		cfg.HealthCacheTTL = 30 * time.Second
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.ProduceRequestTimeout(10*time.Second),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	return &KafkaClient{cfg: cfg, producer: producer}, nil
}

// Publish writes one keyed record and waits for the acks=all confirmation.
func (k *KafkaClient) Publish(ctx context.Context, topic string, key, value []byte) (int32, error) {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return -1, fmt.Errorf("%w: produce to %s: %v", ErrUnavailable, topic, err)
	}
	return rec.Partition, nil
}

// PublishBatch writes all records and waits for every confirmation. The
// batch either fully succeeds or returns the first error; callers treat
// a failed batch as entirely unpublished and retry it whole.
func (k *KafkaClient) PublishBatch(ctx context.Context, topic string, records []Record) error {
	recs := make([]*kgo.Record, len(records))
	for i, r := range records {
		recs[i] = &kgo.Record{Topic: topic, Key: r.Key, Value: r.Value}
	}
	if err := k.producer.ProduceSync(ctx, recs...).FirstErr(); err != nil {
		return fmt.Errorf("%w: produce batch to %s: %v", ErrUnavailable, topic, err)
	}
	return nil
}

// Subscribe polls the topics as part of group, invoking handler per record.
// Offsets are committed per poll batch, only after every handler in the
// batch succeeded and any configured batch flush confirmed. A handler that
// still fails after HandlerRetries attempts has its record wrapped onto the
// topic's DLQ, and the offset is then committed so the partition does not
// wedge behind a poison record.
func (k *KafkaClient) Subscribe(ctx context.Context, topics []string, group string, handler Handler, opts ...SubscribeOption) error {
	var sub SubscribeOptions
	for _, opt := range opts {
		opt(&sub)
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.ClientID(k.cfg.ClientID),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.SessionTimeout(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("kafka consumer for group %s: %w", group, err)
	}
	defer consumer.Close()

	slog.Info("broker subscribe", "topics", topics, "group", group)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		for _, fe := range fetches.Errors() {
			if isCanceled(fe.Err) {
				return ctx.Err()
			}
			slog.Warn("broker fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
		}

		var done []*kgo.Record
		iter := fetches.RecordIter()
		for !iter.Done() {
			rec := iter.Next()
			msg := &Message{
				Topic:     rec.Topic,
				Partition: rec.Partition,
				Offset:    rec.Offset,
				Key:       rec.Key,
				Value:     rec.Value,
				Timestamp: rec.Timestamp,
			}

			if err := k.handleWithRetry(ctx, msg, handler); err != nil {
				// Poison: route to DLQ so the partition keeps moving.
				dlqValue := WrapDeadLetter(err.Error(), msg.Topic, msg.Value)
				if _, dlqErr := k.Publish(ctx, DLQ(msg.Topic), msg.Key, dlqValue); dlqErr != nil {
					// DLQ publish failed: do not commit, force redelivery.
					slog.Error("dead-letter publish failed, leaving offset uncommitted",
						"topic", msg.Topic, "offset", msg.Offset, "error", dlqErr)
					return fmt.Errorf("dead-letter %s: %w", msg.Topic, dlqErr)
				}
				slog.Warn("poison record routed to dlq",
					"topic", msg.Topic, "offset", msg.Offset, "reason", err)
			}
			done = append(done, rec)
		}
		if len(done) == 0 {
			continue
		}

		// Handlers that buffer across records must land their work before
		// the offsets move; otherwise a crash after the commit would lose
		// everything still sitting in the buffer.
		if sub.BatchFlush != nil {
			if err := k.flushBatch(ctx, sub.BatchFlush); err != nil {
				return err
			}
		}

		if err := consumer.CommitRecords(ctx, done...); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("offset commit failed", "topics", topics, "error", err)
		}
	}
}

// flushBatch retries the subscriber's flush until it succeeds or ctx is
// canceled. Holding the poll loop here is the backpressure that keeps
// offsets behind durable work.
func (k *KafkaClient) flushBatch(ctx context.Context, flush func(context.Context) error) error {
	backoff := 200 * time.Millisecond
	for {
		err := flush(ctx)
		if err == nil {
			return nil
		}
		slog.Warn("batch flush failed, holding offsets", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// isCanceled matches a context cancellation even when wrapped.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

func (k *KafkaClient) handleWithRetry(ctx context.Context, msg *Message, handler Handler) error {
	var lastErr error
	for attempt := 1; attempt <= k.cfg.HandlerRetries; attempt++ {
		if lastErr = handler(ctx, msg); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		// Short linear backoff between handler attempts; transient
		// store hiccups usually clear within a second.
		select {
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// Healthy probes the cluster, reusing the previous result for up to
// HealthCacheTTL so hot paths do not stampede the brokers.
func (k *KafkaClient) Healthy(ctx context.Context) bool {
	k.healthMu.Lock()
	defer k.healthMu.Unlock()

	if time.Since(k.healthChecked) < k.cfg.HealthCacheTTL {
		return k.healthyCached
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	k.healthyCached = k.producer.Ping(pingCtx) == nil
	k.healthChecked = time.Now()
	return k.healthyCached
}

// Close flushes and shuts down the shared producer.
func (k *KafkaClient) Close() {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = k.producer.Flush(flushCtx)
	k.producer.Close()
}
