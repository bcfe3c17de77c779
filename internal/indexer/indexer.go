// Package indexer consumes CDC change events and maintains the search
// indices.
//
// Each message runs through the transformer and the access filter before
// joining a bulk batch. Offsets advance only after the batch holding a
// message has been flushed to the search engine, so a crash never loses
// buffered operations the broker already considers done. The pipeline is
// idempotent on aggregate_id: a re-published outbox row overwrites the
// same document, so duplicates from the at-least-once reader converge
// instead of accumulating.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lumilearn/backend/internal/access"
	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/outbox"
	"github.com/lumilearn/backend/internal/search"
	"github.com/lumilearn/backend/internal/transform"
)

// Topics are the CDC streams the indexer follows.
var Topics = []string{"cdc.learner", "cdc.lesson", "cdc.assessment", "cdc.user"}

// Stats counts indexing outcomes for logging and health checks.
type Stats struct {
	Indexed int64
	Deleted int64
	Skipped int64
	Failed  int64
}

// Indexer is the consumer loop from cdc.* to the search engine.
type Indexer struct {
	cfg    config.IndexerConfig
	client broker.Client
	engine search.Engine
	writer *search.BulkWriter
	filter *access.Filter
	policy *access.Policy

	indexed int64
	deleted int64
	skipped int64
	failed  int64
}

// New assembles the indexer over the given broker and search engine.
func New(cfg config.IndexerConfig, client broker.Client, engine search.Engine, policy *access.Policy) *Indexer {
	if policy == nil {
		policy = access.DefaultPolicy()
	}
	ix := &Indexer{
		cfg:    cfg,
		client: client,
		engine: engine,
		filter: access.NewFilter(policy),
		policy: policy,
	}
	ix.writer = search.NewBulkWriter(engine, cfg.BulkSize, cfg.FlushInterval)
	ix.writer.OnItemError = ix.deadLetterOp
	return ix
}

// Run bootstraps the indices and consumes until ctx is canceled. The
// bulk buffer is flushed before returning so shutdown loses nothing that
// was already committed upstream.
func (ix *Indexer) Run(ctx context.Context) error {
	if err := ix.engine.EnsureIndices(ctx); err != nil {
		return fmt.Errorf("index bootstrap: %w", err)
	}

	flushCtx, stopFlusher := context.WithCancel(context.Background())
	defer stopFlusher()
	go ix.flushLoop(flushCtx)

	// The batch flush ties offset commits to bulk durability: the broker
	// only acknowledges a poll batch once its operations are at the
	// search engine.
	err := ix.client.Subscribe(ctx, Topics, ix.cfg.Group, ix.handleMessage,
		broker.WithBatchFlush(ix.writer.Flush))

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := ix.writer.Flush(drainCtx); ferr != nil {
		slog.Error("final bulk flush failed", "pending", ix.writer.Pending(), "error", ferr)
	}
	return err
}

func (ix *Indexer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(ix.cfg.FlushInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ix.writer.MaybeFlush(ctx); err != nil {
				slog.Warn("bulk flush failed, batch retained", "error", err)
			}
		}
	}
}

// handleMessage processes one CDC record. Returning an error leaves the
// offset uncommitted; the broker layer retries and eventually
// dead-letters poison records.
func (ix *Indexer) handleMessage(ctx context.Context, msg *broker.Message) error {
	var rec outbox.Record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return fmt.Errorf("decode cdc record: %w", err)
	}

	index := search.IndexFor(rec.AggregateType)

	if rec.EventType == outbox.ChangeDelete {
		atomic.AddInt64(&ix.deleted, 1)
		return ix.writer.Add(ctx, search.Op{Delete: true, Index: index, DocID: rec.AggregateID})
	}

	doc, err := transform.Transform(rec.AggregateType, rec.AggregateID, rec.EventData, rec.CreatedAt)
	if err != nil {
		return err
	}

	filtered := ix.filter.Apply(doc, ix.policy.Audience[rec.AggregateType])
	if filtered == nil {
		// Policy says nobody may see this document; skipping is the
		// correct outcome, not an error.
		atomic.AddInt64(&ix.skipped, 1)
		slog.Debug("document not indexable under policy",
			"aggregate_type", rec.AggregateType, "aggregate_id", rec.AggregateID)
		return nil
	}

	atomic.AddInt64(&ix.indexed, 1)
	return ix.writer.Add(ctx, search.Op{Index: index, DocID: rec.AggregateID, Doc: filtered.Source()})
}

// deadLetterOp routes a bulk item that failed past the split-retry to
// the DLQ of its CDC topic.
func (ix *Indexer) deadLetterOp(op search.Op, reason string) {
	atomic.AddInt64(&ix.failed, 1)
	topic := outbox.TopicFor(aggregateTypeForIndex(op.Index))
	payload, err := json.Marshal(map[string]interface{}{
		"doc_id": op.DocID,
		"index":  op.Index,
		"delete": op.Delete,
	})
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", op.DocID))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value := broker.WrapDeadLetter(reason, topic, payload)
	if _, err := ix.client.Publish(ctx, broker.DLQ(topic), []byte(op.DocID), value); err != nil {
		slog.Error("bulk item dead-letter failed", "doc_id", op.DocID, "error", err)
	}
}

// Snapshot returns current outcome counters.
func (ix *Indexer) Snapshot() Stats {
	return Stats{
		Indexed: atomic.LoadInt64(&ix.indexed),
		Deleted: atomic.LoadInt64(&ix.deleted),
		Skipped: atomic.LoadInt64(&ix.skipped),
		Failed:  atomic.LoadInt64(&ix.failed),
	}
}

func aggregateTypeForIndex(index string) string {
	switch index {
	case "learners":
		return "learner"
	case "lessons":
		return "lesson"
	case "assessments":
		return "assessment"
	default:
		return "entity"
	}
}
