package broker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Fake is an in-memory Client for tests. Publishes append to per-topic
// slices; Deliver pushes messages through a registered subscriber the way
// a poll loop would. FailPublishes flips every publish into
// ErrUnavailable to simulate an outage.
type Fake struct {
	mu            sync.Mutex
	topics        map[string][]Record
	subscribers   map[string]Handler                         // topic -> handler
	flushes       map[string]func(context.Context) error     // topic -> batch flush
	FailPublishes bool
	Unhealthy     bool
	Partitions    int32
}

// NewFake returns a Fake with 8 logical partitions.
func NewFake() *Fake {
	return &Fake{
		topics:      make(map[string][]Record),
		subscribers: make(map[string]Handler),
		flushes:     make(map[string]func(context.Context) error),
		Partitions:  8,
	}
}

func (f *Fake) partitionFor(key []byte) int32 {
	h := fnv.New32a()
	h.Write(key)
	return int32(h.Sum32() % uint32(f.Partitions))
}

func (f *Fake) Publish(_ context.Context, topic string, key, value []byte) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPublishes {
		return -1, ErrUnavailable
	}
	f.topics[topic] = append(f.topics[topic], Record{Key: key, Value: value})
	return f.partitionFor(key), nil
}

func (f *Fake) PublishBatch(ctx context.Context, topic string, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailPublishes {
		return ErrUnavailable
	}
	f.topics[topic] = append(f.topics[topic], records...)
	return nil
}

// Subscribe registers the handler and blocks until ctx is done, matching
// the blocking contract of the Kafka implementation.
func (f *Fake) Subscribe(ctx context.Context, topics []string, _ string, handler Handler, opts ...SubscribeOption) error {
	var sub SubscribeOptions
	for _, opt := range opts {
		opt(&sub)
	}
	f.mu.Lock()
	for _, t := range topics {
		f.subscribers[t] = handler
		if sub.BatchFlush != nil {
			f.flushes[t] = sub.BatchFlush
		}
	}
	f.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Deliver runs the subscriber for topic against one message. It mirrors
// the commit contract: success is reported only after the handler and
// the subscription's batch flush both succeed.
func (f *Fake) Deliver(ctx context.Context, topic string, key, value []byte) error {
	f.mu.Lock()
	handler := f.subscribers[topic]
	flush := f.flushes[topic]
	f.mu.Unlock()
	if handler == nil {
		return nil
	}
	err := handler(ctx, &Message{
		Topic:     topic,
		Partition: f.partitionFor(key),
		Key:       key,
		Value:     value,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	if flush != nil {
		return flush(ctx)
	}
	return nil
}

// Published returns a copy of everything published to topic.
func (f *Fake) Published(topic string) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, len(f.topics[topic]))
	copy(out, f.topics[topic])
	return out
}

func (f *Fake) Healthy(context.Context) bool { return !f.Unhealthy }

func (f *Fake) Close() {}
