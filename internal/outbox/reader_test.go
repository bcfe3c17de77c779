package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/config"
)

// fakeSource is an in-memory outbox table.
type fakeSource struct {
	rows       []Record
	checkpoint int64

	integrityErr error
	completeErr  error
	completed    [][]int64
}

func (f *fakeSource) Checkpoint(context.Context, string) (int64, error) {
	return f.checkpoint, nil
}

func (f *fakeSource) FetchUnprocessed(_ context.Context, afterID int64, limit int) ([]Record, error) {
	var out []Record
	for _, r := range f.rows {
		if r.ID > afterID && r.ProcessedAt == nil {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSource) CompleteBatch(_ context.Context, _ string, ids []int64, lastID int64) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completed = append(f.completed, ids)
	now := time.Now()
	for i := range f.rows {
		for _, id := range ids {
			if f.rows[i].ID == id {
				f.rows[i].ProcessedAt = &now
			}
		}
	}
	f.checkpoint = lastID
	return nil
}

func (f *fakeSource) VerifyIntegrity(context.Context, string) error {
	return f.integrityErr
}

func testReaderConfig() config.OutboxConfig {
	return config.OutboxConfig{
		ConsumerName: "cdc-reader",
		BatchSize:    2,
		PollInterval: time.Millisecond,
	}
}

func row(id int64, aggType, aggID string, change ChangeType) Record {
	return Record{
		ID:            id,
		AggregateID:   aggID,
		AggregateType: aggType,
		EventType:     change,
		EventData:     json.RawMessage(`{"title":"x"}`),
		CreatedAt:     time.Now().UTC(),
	}
}

func TestDrainOnce_PublishesAndCheckpoints(t *testing.T) {
	src := &fakeSource{rows: []Record{
		row(1, "lesson", "lesson-1", ChangeInsert),
		row(2, "lesson", "lesson-1", ChangeUpdate),
		row(3, "learner", "learner-9", ChangeUpdate),
	}}
	fake := broker.NewFake()
	r := NewReader(testReaderConfig(), src, fake)

	require.NoError(t, r.drainOnce(context.Background()))

	// Batch size 2 forces two fetch rounds; both drain within one call.
	assert.Equal(t, int64(3), src.checkpoint)
	assert.Len(t, src.completed, 2)

	lessons := fake.Published("cdc.lesson")
	require.Len(t, lessons, 2)
	assert.Equal(t, []byte("lesson-1"), lessons[0].Key)

	var rec Record
	require.NoError(t, json.Unmarshal(lessons[0].Value, &rec))
	assert.Equal(t, int64(1), rec.ID)
	assert.Equal(t, ChangeInsert, rec.EventType)

	learners := fake.Published("cdc.learner")
	require.Len(t, learners, 1)
	assert.Equal(t, []byte("learner-9"), learners[0].Key)
}

func TestDrainOnce_PreservesIDOrderPerTopic(t *testing.T) {
	src := &fakeSource{rows: []Record{
		row(1, "lesson", "a", ChangeUpdate),
		row(2, "lesson", "b", ChangeUpdate),
	}}
	fake := broker.NewFake()
	r := NewReader(testReaderConfig(), src, fake)

	require.NoError(t, r.drainOnce(context.Background()))

	published := fake.Published("cdc.lesson")
	require.Len(t, published, 2)
	var first, second Record
	require.NoError(t, json.Unmarshal(published[0].Value, &first))
	require.NoError(t, json.Unmarshal(published[1].Value, &second))
	assert.Less(t, first.ID, second.ID)
}

func TestDrainOnce_PublishFailureLeavesRowsUnprocessed(t *testing.T) {
	src := &fakeSource{rows: []Record{row(1, "lesson", "a", ChangeUpdate)}}
	fake := broker.NewFake()
	fake.FailPublishes = true
	r := NewReader(testReaderConfig(), src, fake)

	require.Error(t, r.drainOnce(context.Background()))
	assert.Equal(t, int64(0), src.checkpoint)
	assert.Nil(t, src.rows[0].ProcessedAt)
}

func TestDrainOnce_ReplayAfterCrashBeforeComplete(t *testing.T) {
	// First pass: publish confirmed, CompleteBatch fails (crash window).
	src := &fakeSource{
		rows:        []Record{row(1, "lesson", "lesson-1", ChangeUpdate)},
		completeErr: errors.New("connection lost"),
	}
	fake := broker.NewFake()
	r := NewReader(testReaderConfig(), src, fake)

	require.Error(t, r.drainOnce(context.Background()))
	require.Len(t, fake.Published("cdc.lesson"), 1)

	// Restart: the row is still unprocessed and republishes identically.
	src.completeErr = nil
	require.NoError(t, r.drainOnce(context.Background()))

	published := fake.Published("cdc.lesson")
	require.Len(t, published, 2, "at-least-once: the row is published twice")
	assert.Equal(t, published[0].Value, published[1].Value, "replay produces an identical record")
	assert.Equal(t, int64(1), src.checkpoint)
}

func TestRun_RefusesStartOnIntegrityViolation(t *testing.T) {
	src := &fakeSource{integrityErr: errors.New("2 rows past checkpoint already processed")}
	r := NewReader(testReaderConfig(), src, broker.NewFake())

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup")
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, "cdc.learner", TopicFor("learner"))
	assert.Equal(t, "cdc.lesson", TopicFor("lesson"))
}
