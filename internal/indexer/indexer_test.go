package indexer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumilearn/backend/internal/access"
	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/outbox"
	"github.com/lumilearn/backend/internal/search"
)

// fakeEngine captures bulk bodies and can fail individual documents.
type fakeEngine struct {
	bodies   [][]byte
	failDocs map[string]string // doc id -> failure reason
}

func (f *fakeEngine) EnsureIndices(context.Context) error { return nil }

func (f *fakeEngine) DoBulk(_ context.Context, body []byte) ([]search.BulkItemError, error) {
	f.bodies = append(f.bodies, body)
	var errs []search.BulkItemError
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var action map[string]map[string]string
		if json.Unmarshal(sc.Bytes(), &action) != nil {
			continue
		}
		for kind, meta := range action {
			if kind != "index" && kind != "delete" {
				continue
			}
			if reason, ok := f.failDocs[meta["_id"]]; ok {
				errs = append(errs, search.BulkItemError{DocID: meta["_id"], Status: 400, Reason: reason})
			}
			if kind == "index" {
				sc.Scan()
			}
		}
	}
	return errs, nil
}

func (f *fakeEngine) lines() []string {
	var out []string
	for _, body := range f.bodies {
		for _, line := range bytes.Split(bytes.TrimSpace(body), []byte("\n")) {
			out = append(out, string(line))
		}
	}
	return out
}

func testIndexer(engine search.Engine, fake *broker.Fake) *Indexer {
	cfg := config.IndexerConfig{
		Group:         "search-indexer",
		BulkSize:      1, // flush per document so tests see immediate writes
		FlushInterval: time.Minute,
	}
	return New(cfg, fake, engine, nil)
}

func cdcMessage(t *testing.T, rec outbox.Record) *broker.Message {
	t.Helper()
	value, err := json.Marshal(rec)
	require.NoError(t, err)
	return &broker.Message{
		Topic: outbox.TopicFor(rec.AggregateType),
		Key:   []byte(rec.AggregateID),
		Value: value,
	}
}

func lessonRecord(id int64, aggID string, change outbox.ChangeType) outbox.Record {
	return outbox.Record{
		ID:            id,
		AggregateID:   aggID,
		AggregateType: "lesson",
		EventType:     change,
		EventData:     json.RawMessage(`{"title":"Fractions Intro","subject":"math","status":"published"}`),
		CreatedAt:     time.Now().UTC(),
	}
}

func TestRun_AckImpliesDurableWrite(t *testing.T) {
	engine := &fakeEngine{}
	fake := broker.NewFake()
	ix := New(config.IndexerConfig{
		Group:         "search-indexer",
		BulkSize:      200,
		FlushInterval: time.Minute,
	}, fake, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	value, err := json.Marshal(lessonRecord(1, "lesson-1", outbox.ChangeInsert))
	require.NoError(t, err)

	// An acknowledged delivery must already be at the engine, even though
	// the bulk buffer is nowhere near its size threshold.
	require.Eventually(t, func() bool {
		if fake.Deliver(ctx, "cdc.lesson", []byte("lesson-1"), value) != nil {
			return false
		}
		return len(engine.bodies) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, ix.writer.Pending(), "nothing acknowledged is left buffered")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestHandleMessage_IndexesLessonDocument(t *testing.T) {
	engine := &fakeEngine{}
	ix := testIndexer(engine, broker.NewFake())

	err := ix.handleMessage(context.Background(), cdcMessage(t, lessonRecord(1, "lesson-1", outbox.ChangeInsert)))
	require.NoError(t, err)

	require.Len(t, engine.bodies, 1)
	lines := engine.lines()
	require.Len(t, lines, 2, "action line plus source line")
	assert.Contains(t, lines[0], `"_index":"lessons"`)
	assert.Contains(t, lines[0], `"_id":"lesson-1"`)

	var source map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &source))
	assert.Equal(t, "Fractions Intro", source["title"])
	assert.Contains(t, source, "visible_to_roles")

	stats := ix.Snapshot()
	assert.Equal(t, int64(1), stats.Indexed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestHandleMessage_UpdateOverwritesSameDocID(t *testing.T) {
	engine := &fakeEngine{}
	ix := testIndexer(engine, broker.NewFake())
	ctx := context.Background()

	require.NoError(t, ix.handleMessage(ctx, cdcMessage(t, lessonRecord(1, "lesson-1", outbox.ChangeInsert))))
	require.NoError(t, ix.handleMessage(ctx, cdcMessage(t, lessonRecord(2, "lesson-1", outbox.ChangeUpdate))))

	// Same aggregate id, same document: redelivery converges.
	for _, body := range engine.bodies {
		assert.Contains(t, string(body), `"_id":"lesson-1"`)
	}
}

func TestHandleMessage_DeleteEmitsDeleteOp(t *testing.T) {
	engine := &fakeEngine{}
	ix := testIndexer(engine, broker.NewFake())

	rec := lessonRecord(3, "lesson-9", outbox.ChangeDelete)
	rec.EventData = nil
	require.NoError(t, ix.handleMessage(context.Background(), cdcMessage(t, rec)))

	lines := engine.lines()
	require.Len(t, lines, 1, "delete carries no source line")
	assert.Contains(t, lines[0], `"delete"`)
	assert.Equal(t, int64(1), ix.Snapshot().Deleted)
}

func TestHandleMessage_PolicySkipIsNotAnError(t *testing.T) {
	engine := &fakeEngine{}
	policy := access.DefaultPolicy()
	policy.Audience["lesson"] = nil // nobody may see lessons
	ix := New(config.IndexerConfig{BulkSize: 1, FlushInterval: time.Minute},
		broker.NewFake(), engine, policy)

	err := ix.handleMessage(context.Background(), cdcMessage(t, lessonRecord(4, "lesson-2", outbox.ChangeInsert)))
	require.NoError(t, err)
	assert.Empty(t, engine.bodies)
	assert.Equal(t, int64(1), ix.Snapshot().Skipped)
}

func TestHandleMessage_MalformedRecordErrors(t *testing.T) {
	ix := testIndexer(&fakeEngine{}, broker.NewFake())
	err := ix.handleMessage(context.Background(), &broker.Message{Value: []byte("{nope")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode cdc record")
}

func TestDeadLetterOp_PublishesToCDCTopicDLQ(t *testing.T) {
	engine := &fakeEngine{failDocs: map[string]string{"lesson-bad": "mapper_parsing_exception"}}
	fake := broker.NewFake()
	ix := testIndexer(engine, fake)

	err := ix.handleMessage(context.Background(), cdcMessage(t, lessonRecord(5, "lesson-bad", outbox.ChangeInsert)))
	require.NoError(t, err, "a dead-lettered item does not fail the consumer")

	dlq := fake.Published(broker.DLQ("cdc.lesson"))
	require.Len(t, dlq, 1)
	assert.Equal(t, []byte("lesson-bad"), dlq[0].Key)

	var dl broker.DeadLetter
	require.NoError(t, json.Unmarshal(dlq[0].Value, &dl))
	assert.Contains(t, dl.Reason, "mapper_parsing_exception")
	assert.Equal(t, "cdc.lesson", dl.OriginalTopic)
	assert.Equal(t, int64(1), ix.Snapshot().Failed)
}
