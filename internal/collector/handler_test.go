package collector

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/events"
	"github.com/lumilearn/backend/internal/monitoring"
	"github.com/lumilearn/backend/internal/spool"
)

func testServer(t *testing.T, fake *broker.Fake) *Server {
	t.Helper()
	sp, err := spool.New(t.TempDir(), time.Hour)
	require.NoError(t, err)

	cfg := config.CollectorConfig{
		Port:            "0",
		EventsTopic:     "events.test",
		SweepInterval:   time.Second,
		RateLimitPerMin: 100000,
		RateLimitBurst:  100,
	}
	return New(cfg, fake, sp, monitoring.New(prometheus.NewRegistry()))
}

func makeEvents(n int) []events.Event {
	out := make([]events.Event, n)
	for i := range out {
		out[i] = events.Event{
			EventID:       fmt.Sprintf("evt-%d", i),
			LearnerID:     fmt.Sprintf("learner-%d", i%5),
			TenantID:      "tenant-1",
			EventType:     events.EventInteraction,
			Timestamp:     time.Now().UTC(),
			SourceService: "game-engine",
		}
	}
	return out
}

func postBatch(t *testing.T, srv *Server, batch interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(batch)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) CollectResponse {
	t.Helper()
	var resp CollectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCollect_AcceptsBatch(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	rec := postBatch(t, srv, events.EventBatch{BatchID: "b-1", Events: makeEvents(10)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.Equal(t, 10, resp.Accepted)
	assert.Equal(t, 0, resp.Rejected)
	assert.Equal(t, "b-1", resp.BatchID)
	assert.Empty(t, resp.Warnings)
	assert.Nil(t, resp.KafkaPartition, "multi-event batches do not echo a single partition")

	published := fake.Published("events.test")
	require.Len(t, published, 10)
	assert.Equal(t, []byte("learner-0"), published[0].Key, "records are keyed by learner_id")
}

func TestCollect_SingleEventEchoesPartition(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	rec := postBatch(t, srv, events.EventBatch{Events: makeEvents(1)})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.KafkaPartition)
	assert.GreaterOrEqual(t, *resp.KafkaPartition, int32(0))
}

func TestCollect_BareArrayBody(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	rec := postBatch(t, srv, makeEvents(3))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decodeResponse(t, rec).Accepted)
}

func TestCollect_GzipBody(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	raw, err := json.Marshal(events.EventBatch{Events: makeEvents(5)})
	require.NoError(t, err)
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	req := httptest.NewRequest(http.MethodPost, "/collect", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 5, decodeResponse(t, rec).Accepted)
}

func TestCollect_GzipWireSizeCapped(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	// Incompressible noise keeps the gzipped wire size above the body cap.
	noise := make([]byte, events.MaxBodyBytes+4096)
	_, err := rand.Read(noise)
	require.NoError(t, err)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(noise)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.Greater(t, buf.Len(), events.MaxBodyBytes)

	req := httptest.NewRequest(http.MethodPost, "/collect", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, fake.Published("events.test"))
}

func TestCollect_OversizedBatchRejected(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	rec := postBatch(t, srv, events.EventBatch{Events: makeEvents(events.MaxBatchEvents + 1)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, fake.Published("events.test"))
}

func TestCollect_ExactBatchLimitAccepted(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	rec := postBatch(t, srv, events.EventBatch{Events: makeEvents(events.MaxBatchEvents)})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCollect_EmptyBatchRejected(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	rec := postBatch(t, srv, events.EventBatch{Events: nil})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollect_MalformedBodyRejected(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	req := httptest.NewRequest(http.MethodPost, "/collect", bytes.NewReader([]byte("{nope")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "bad_json", apiErr.ErrorCode)
	assert.NotEmpty(t, apiErr.RequestID)
}

func TestCollect_PartialRejectionIsMultiStatus(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	evs := makeEvents(3)
	evs[1].EventType = "NOT_A_TYPE"
	rec := postBatch(t, srv, events.EventBatch{Events: evs})

	require.Equal(t, http.StatusMultiStatus, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	assert.Equal(t, []string{"evt-1"}, resp.DLQEvents)

	// The rejected event was dead-lettered with its reason.
	dlq := fake.Published(broker.DLQ("events.test"))
	require.Len(t, dlq, 1)
	var dl broker.DeadLetter
	require.NoError(t, json.Unmarshal(dlq[0].Value, &dl))
	assert.Contains(t, dl.Reason, "event_type")
	assert.Equal(t, "events.test", dl.OriginalTopic)
}

func TestCollect_AllRejectedIsUnprocessable(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	evs := makeEvents(2)
	evs[0].LearnerID = ""
	evs[1].Timestamp = time.Now().Add(10 * time.Minute)
	rec := postBatch(t, srv, events.EventBatch{Events: evs})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeResponse(t, rec)
	assert.Equal(t, 0, resp.Accepted)
	assert.Equal(t, 2, resp.Rejected)
	assert.Empty(t, fake.Published("events.test"))
}

func TestCollect_BrokerOutageBuffersToDisk(t *testing.T) {
	fake := broker.NewFake()
	fake.Unhealthy = true
	fake.FailPublishes = true
	srv := testServer(t, fake)

	rec := postBatch(t, srv, events.EventBatch{BatchID: "b-outage", Events: makeEvents(50)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	assert.Equal(t, 50, resp.Accepted)
	assert.Contains(t, resp.Warnings, "buffered to disk")

	paths, err := srv.spool.List()
	require.NoError(t, err)
	require.Len(t, paths, 1, "the whole batch becomes one segment")

	seg, err := srv.spool.Read(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "b-outage", seg.Header.BatchID)
	assert.Len(t, seg.Events, 50)
}

func TestCollect_OutageRoundTripThroughSweeper(t *testing.T) {
	fake := broker.NewFake()
	fake.Unhealthy = true
	fake.FailPublishes = true
	srv := testServer(t, fake)

	rec := postBatch(t, srv, events.EventBatch{Events: makeEvents(50)})
	require.Equal(t, http.StatusOK, rec.Code)

	// Broker restored: the sweeper drains the segment in order.
	fake.Unhealthy = false
	fake.FailPublishes = false
	srv.sweeper.SweepNow(t.Context())

	paths, err := srv.spool.List()
	require.NoError(t, err)
	assert.Empty(t, paths, "segment removed after replay")

	published := fake.Published("events.test")
	require.Len(t, published, 50)
	for i, rec := range published {
		var ev events.Event
		require.NoError(t, json.Unmarshal(rec.Value, &ev))
		assert.Equal(t, fmt.Sprintf("evt-%d", i), ev.EventID, "replay preserves original order")
		assert.Equal(t, []byte(ev.LearnerID), rec.Key)
	}
}

func TestHealthEndpoint(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, true, health["kafka_connected"])
	assert.Contains(t, health, "throughput_metrics")
	assert.Contains(t, health, "uptime_seconds")
}

func TestMetricsEndpoint(t *testing.T) {
	fake := broker.NewFake()
	srv := testServer(t, fake)

	postBatch(t, srv, events.EventBatch{Events: makeEvents(4)})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, float64(4), snap["events_processed_total"])
	assert.Equal(t, float64(4), snap["kafka_writes_total"])
}
