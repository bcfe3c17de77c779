package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/config"
)

// Source is the slice of Store the reader needs; tests substitute a fake.
type Source interface {
	Checkpoint(ctx context.Context, consumer string) (int64, error)
	FetchUnprocessed(ctx context.Context, afterID int64, limit int) ([]Record, error)
	CompleteBatch(ctx context.Context, consumer string, ids []int64, lastID int64) error
	VerifyIntegrity(ctx context.Context, consumer string) error
}

// Reader polls the outbox and fans change events out to the broker.
//
// Delivery is at-least-once: a crash after publish confirmation but
// before CompleteBatch leaves the rows unprocessed, and they are
// re-published on restart. The Indexer is idempotent on aggregate_id, so
// duplicates converge.
type Reader struct {
	cfg    config.OutboxConfig
	store  Source
	client broker.Client
}

// NewReader wires a reader over the given store and broker.
func NewReader(cfg config.OutboxConfig, store Source, client broker.Client) *Reader {
	return &Reader{cfg: cfg, store: store, client: client}
}

// Run polls until ctx is canceled. It refuses to start on an integrity
// violation; that state needs an operator, not a retry loop.
func (r *Reader) Run(ctx context.Context) error {
	if err := r.store.VerifyIntegrity(ctx, r.cfg.ConsumerName); err != nil {
		return fmt.Errorf("outbox reader startup: %w", err)
	}

	slog.Info("outbox reader started",
		"consumer", r.cfg.ConsumerName, "batch", r.cfg.BatchSize, "interval", r.cfg.PollInterval)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("outbox drain failed, will retry", "error", err)
			}
		}
	}
}

// drainOnce publishes one batch and commits its completion. Draining
// continues within the tick while full batches keep coming, so a backlog
// clears faster than one batch per interval.
func (r *Reader) drainOnce(ctx context.Context) error {
	for {
		checkpoint, err := r.store.Checkpoint(ctx, r.cfg.ConsumerName)
		if err != nil {
			return err
		}

		records, err := r.store.FetchUnprocessed(ctx, checkpoint, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		if err := r.publishBatch(ctx, records); err != nil {
			return err
		}

		ids := make([]int64, len(records))
		for i, rec := range records {
			ids[i] = rec.ID
		}
		lastID := ids[len(ids)-1]
		if err := r.store.CompleteBatch(ctx, r.cfg.ConsumerName, ids, lastID); err != nil {
			// Publish already succeeded; the rows will be re-published
			// after restart and deduplicated downstream.
			return fmt.Errorf("complete batch through id %d: %w", lastID, err)
		}

		slog.Debug("outbox batch drained", "rows", len(records), "through_id", lastID)
		if len(records) < r.cfg.BatchSize {
			return nil
		}
	}
}

// publishBatch writes every row to cdc.<aggregate_type> keyed by
// aggregate_id, preserving id order within each topic.
func (r *Reader) publishBatch(ctx context.Context, records []Record) error {
	// Group by topic while keeping the original order inside each group.
	grouped := make(map[string][]broker.Record)
	order := make([]string, 0, 4)
	for i := range records {
		rec := &records[i]
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode outbox row %d: %w", rec.ID, err)
		}
		topic := TopicFor(rec.AggregateType)
		if _, seen := grouped[topic]; !seen {
			order = append(order, topic)
		}
		grouped[topic] = append(grouped[topic], broker.Record{
			Key:   []byte(rec.AggregateID),
			Value: value,
		})
	}

	for _, topic := range order {
		if err := r.client.PublishBatch(ctx, topic, grouped[topic]); err != nil {
			return fmt.Errorf("publish %d rows to %s: %w", len(grouped[topic]), topic, err)
		}
	}
	return nil
}

// TopicFor names the CDC topic for an aggregate type.
func TopicFor(aggregateType string) string {
	return "cdc." + aggregateType
}
