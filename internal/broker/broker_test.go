package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDLQ(t *testing.T) {
	assert.Equal(t, "events.prod.dlq", DLQ("events.prod"))
}

func TestWrapDeadLetter_JSONPayloadEmbeddedRaw(t *testing.T) {
	wrapped := WrapDeadLetter("event_type unknown", "events.test", []byte(`{"event_id":"evt-1"}`))

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(wrapped, &dl))
	assert.Equal(t, "event_type unknown", dl.Reason)
	assert.Equal(t, "events.test", dl.OriginalTopic)
	assert.False(t, dl.FailedAt.IsZero())

	var payload map[string]string
	require.NoError(t, json.Unmarshal(dl.Payload, &payload))
	assert.Equal(t, "evt-1", payload["event_id"])
}

func TestWrapDeadLetter_NonJSONPayloadIsQuoted(t *testing.T) {
	wrapped := WrapDeadLetter("bad_json", "events.test", []byte("{truncated"))
	require.True(t, json.Valid(wrapped), "the envelope stays valid JSON")

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(wrapped, &dl))

	var original string
	require.NoError(t, json.Unmarshal(dl.Payload, &original))
	assert.Equal(t, "{truncated", original)
}

func TestFake_PartitioningIsDeterministicPerKey(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	p1, err := f.Publish(ctx, "events.test", []byte("learner-1"), []byte("a"))
	require.NoError(t, err)
	p2, err := f.Publish(ctx, "events.test", []byte("learner-1"), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, p1, p2, "same key lands on the same partition")
	assert.GreaterOrEqual(t, p1, int32(0))
	assert.Less(t, p1, f.Partitions)
}

func TestFake_FailPublishes(t *testing.T) {
	f := NewFake()
	f.FailPublishes = true
	ctx := context.Background()

	_, err := f.Publish(ctx, "t", []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, f.PublishBatch(ctx, "t", []Record{{}}), ErrUnavailable)
	assert.Empty(t, f.Published("t"))
}

func TestFake_DeliverRunsRegisteredHandler(t *testing.T) {
	f := NewFake()
	ctx, cancel := context.WithCancel(context.Background())

	var got *Message
	done := make(chan error, 1)
	go func() {
		done <- f.Subscribe(ctx, []string{"events.test"}, "group", func(_ context.Context, msg *Message) error {
			got = msg
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		_ = f.Deliver(context.Background(), "events.test", []byte("learner-1"), []byte("v"))
		return got != nil
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "events.test", got.Topic)
	assert.Equal(t, []byte("learner-1"), got.Key)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestFake_DeliverConfirmsOnlyAfterBatchFlush(t *testing.T) {
	f := NewFake()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled, flushed int
	flushErr := errors.New("engine down")
	done := make(chan error, 1)
	go func() {
		done <- f.Subscribe(ctx, []string{"cdc.test"}, "group",
			func(context.Context, *Message) error {
				handled++
				return nil
			},
			WithBatchFlush(func(context.Context) error {
				flushed++
				if flushed == 1 {
					return flushErr
				}
				return nil
			}))
	}()

	require.Eventually(t, func() bool {
		return f.Deliver(ctx, "cdc.test", []byte("k"), []byte("v")) != nil
	}, time.Second, 5*time.Millisecond, "a failed flush withholds the acknowledgement")
	assert.NoError(t, f.Deliver(ctx, "cdc.test", []byte("k"), []byte("v")))
	assert.Equal(t, 2, flushed)
	assert.Equal(t, handled, flushed, "every handled delivery was flushed")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestIsCanceled_MatchesWrappedCancellation(t *testing.T) {
	assert.True(t, isCanceled(context.Canceled))
	assert.True(t, isCanceled(fmt.Errorf("poll: %w", context.Canceled)))
	assert.False(t, isCanceled(errors.New("broker gone")))
	assert.False(t, isCanceled(context.DeadlineExceeded))
}
