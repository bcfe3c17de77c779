package collector

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/events"
)

// CollectResponse reports the per-batch outcome of POST /collect.
type CollectResponse struct {
	Accepted         int      `json:"accepted"`
	Rejected         int      `json:"rejected"`
	ProcessingTimeMs float64  `json:"processing_time_ms"`
	KafkaPartition   *int32   `json:"kafka_partition,omitempty"`
	Warnings         []string `json:"warnings"`
	DLQEvents        []string `json:"dlq_events,omitempty"`
	BatchID          string   `json:"batch_id,omitempty"`
}

type rejectedEvent struct {
	event  *events.Event
	reason string
}

// handleCollect accepts a JSON EventBatch (or bare array), optionally
// gzipped, and publishes every valid event keyed by learner_id.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.ObserveProcessing(time.Since(start)) }()

	batch, httpStatus, errCode, errMsg := decodeBatch(r)
	if httpStatus != 0 {
		writeError(w, httpStatus, errCode, errMsg)
		return
	}

	if len(batch.Events) > events.MaxBatchEvents {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("batch of %d exceeds %d events", len(batch.Events), events.MaxBatchEvents))
		return
	}
	if len(batch.Events) == 0 {
		writeError(w, http.StatusBadRequest, "empty_batch", "batch contains no events")
		return
	}

	now := time.Now()
	var valid []*events.Event
	var rejects []rejectedEvent
	for i := range batch.Events {
		ev := &batch.Events[i]
		if verr := events.Validate(ev, now); verr != nil {
			rejects = append(rejects, rejectedEvent{event: ev, reason: verr.Error()})
		} else {
			valid = append(valid, ev)
		}
	}

	resp := CollectResponse{
		Rejected: len(rejects),
		Warnings: []string{},
		BatchID:  batch.BatchID,
	}
	for _, rej := range rejects {
		resp.DLQEvents = append(resp.DLQEvents, rej.event.EventID)
	}

	// Rejected events are dead-lettered with their reasons; a DLQ outage
	// is logged but never blocks the accepted portion of the batch.
	s.deadLetterRejects(r, rejects)

	if len(valid) == 0 {
		resp.ProcessingTimeMs = msSince(start)
		writeJSON(w, http.StatusUnprocessableEntity, &resp)
		return
	}

	records := make([]broker.Record, len(valid))
	for i, ev := range valid {
		value, err := json.Marshal(ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encode_failed", err.Error())
			return
		}
		records[i] = broker.Record{Key: []byte(ev.LearnerID), Value: value}
	}

	publishErr := s.publish(r, valid, records, &resp)
	if publishErr != nil {
		// Broker down and spool failed: genuine server state loss.
		writeError(w, http.StatusServiceUnavailable, "ingest_unavailable", publishErr.Error())
		return
	}

	resp.Accepted = len(valid)
	s.metrics.EventsProcessed(len(valid))

	resp.ProcessingTimeMs = msSince(start)
	status := http.StatusOK
	if len(rejects) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, &resp)
}

// publish writes the accepted events to the broker, or to the spool when
// the broker is unreachable. Critical-priority events always wait for
// publish confirmation, which PublishBatch provides for the whole batch.
func (s *Server) publish(r *http.Request, valid []*events.Event, records []broker.Record, resp *CollectResponse) error {
	ctx := r.Context()

	if s.client.Healthy(ctx) {
		var err error
		if len(records) == 1 {
			// Single-event batches echo the partition they landed on.
			var partition int32
			partition, err = s.client.Publish(ctx, s.cfg.EventsTopic, records[0].Key, records[0].Value)
			if err == nil {
				resp.KafkaPartition = &partition
			}
		} else {
			err = s.client.PublishBatch(ctx, s.cfg.EventsTopic, records)
		}
		if err == nil {
			s.metrics.KafkaWrites(len(records))
			return nil
		}
		if !errors.Is(err, broker.ErrUnavailable) {
			return err
		}
	}

	// Broker unreachable: the whole accepted set becomes one segment.
	seg := &events.EventBatch{BatchID: resp.BatchID}
	for _, ev := range valid {
		seg.Events = append(seg.Events, *ev)
	}
	if _, err := s.spool.Write(seg); err != nil {
		slog.Error("spool write failed with broker down", "events", len(valid), "error", err)
		return fmt.Errorf("broker unreachable and spool failed: %w", err)
	}

	s.metrics.BufferedEvents(len(valid))
	resp.Warnings = append(resp.Warnings, "buffered to disk")
	slog.Warn("batch buffered to disk", "events", len(valid), "batch_id", resp.BatchID)
	return nil
}

func (s *Server) deadLetterRejects(r *http.Request, rejects []rejectedEvent) {
	if len(rejects) == 0 {
		return
	}
	dlqTopic := broker.DLQ(s.cfg.EventsTopic)
	for _, rej := range rejects {
		raw, err := json.Marshal(rej.event)
		if err != nil {
			raw = []byte(fmt.Sprintf("%q", rej.event.EventID))
		}
		value := broker.WrapDeadLetter(rej.reason, s.cfg.EventsTopic, raw)
		if _, err := s.client.Publish(r.Context(), dlqTopic, []byte(rej.event.LearnerID), value); err != nil {
			slog.Warn("dlq publish failed for rejected event",
				"event_id", rej.event.EventID, "error", err)
			continue
		}
		s.metrics.DLQEvents(1)
	}
}

// decodeBatch reads the request body, transparently un-gzipping, and
// decodes either an EventBatch object or a bare event array. A non-zero
// status return means the request was rejected before validation.
func decodeBatch(r *http.Request) (*events.EventBatch, int, string, string) {
	capped := http.MaxBytesReader(nil, r.Body, events.MaxBodyBytes)
	var body io.Reader = capped

	if r.Header.Get("Content-Encoding") == "gzip" {
		// The gzip reader sits on the capped body so the wire size stays
		// bounded too, not just the decompressed size.
		gz, err := gzip.NewReader(capped)
		if err != nil {
			return nil, http.StatusBadRequest, "bad_gzip", "body is not valid gzip"
		}
		defer gz.Close()
		// Bound the decompressed size, not just the wire size.
		body = io.LimitReader(gz, events.MaxBodyBytes+1)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, http.StatusRequestEntityTooLarge, "body_too_large",
			fmt.Sprintf("body exceeds %d bytes", events.MaxBodyBytes)
	}
	if len(raw) > events.MaxBodyBytes {
		return nil, http.StatusRequestEntityTooLarge, "body_too_large",
			fmt.Sprintf("decompressed body exceeds %d bytes", events.MaxBodyBytes)
	}

	batch := &events.EventBatch{}
	if err := json.Unmarshal(raw, batch); err != nil {
		// Fall back to the bare-array form.
		var list []events.Event
		if err2 := json.Unmarshal(raw, &list); err2 != nil {
			return nil, http.StatusBadRequest, "bad_json", "body is neither an EventBatch nor an event array"
		}
		batch.Events = list
	}
	return batch, 0, "", ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
