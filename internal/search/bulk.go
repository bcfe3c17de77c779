package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Op is one pending bulk operation.
type Op struct {
	Delete bool
	Index  string
	DocID  string
	Doc    map[string]interface{}
}

// BulkWriter batches operations and flushes on size or age. The writer
// holds at most one in-flight bulk request; Add blocks during a flush,
// which is the backpressure that pauses the upstream consumer.
//
// A bulk request that fails with partial errors is split in half and
// each half retried once; items that still fail are handed to OnItemError
// for dead-lettering.
type BulkWriter struct {
	engine        Engine
	maxOps        int
	flushInterval time.Duration

	// OnItemError receives operations that failed after the split-retry.
	OnItemError func(op Op, reason string)

	mu      sync.Mutex
	pending []Op
	oldest  time.Time
}

// NewBulkWriter builds a writer flushing at maxOps or flushInterval.
func NewBulkWriter(engine Engine, maxOps int, flushInterval time.Duration) *BulkWriter {
	if maxOps <= 0 {
		maxOps = 200
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &BulkWriter{engine: engine, maxOps: maxOps, flushInterval: flushInterval}
}

// Add queues one operation, flushing synchronously when the batch fills.
func (w *BulkWriter) Add(ctx context.Context, op Op) error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.oldest = time.Now()
	}
	w.pending = append(w.pending, op)
	full := len(w.pending) >= w.maxOps
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// MaybeFlush flushes when the oldest pending op has aged past the
// interval. The consumer loop calls this between polls.
func (w *BulkWriter) MaybeFlush(ctx context.Context) error {
	w.mu.Lock()
	due := len(w.pending) > 0 && time.Since(w.oldest) >= w.flushInterval
	w.mu.Unlock()
	if due {
		return w.Flush(ctx)
	}
	return nil
}

// Flush sends everything pending. Transport failure returns the error
// with the batch retained for retry.
func (w *BulkWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := w.send(ctx, batch, true); err != nil {
		// Keep the batch so the next flush retries it.
		w.mu.Lock()
		w.pending = append(batch, w.pending...)
		w.mu.Unlock()
		return err
	}
	return nil
}

// send executes one bulk request. On partial errors, the batch is split
// in half and each half retried once; persistent failures go to
// OnItemError.
func (w *BulkWriter) send(ctx context.Context, batch []Op, allowSplit bool) error {
	body, err := encodeBulk(batch)
	if err != nil {
		return err
	}

	itemErrs, err := w.engine.DoBulk(ctx, body)
	if err != nil {
		return err
	}
	if len(itemErrs) == 0 {
		return nil
	}

	if allowSplit && len(batch) > 1 {
		slog.Warn("bulk flush had partial errors, splitting and retrying",
			"ops", len(batch), "failed", len(itemErrs))
		mid := len(batch) / 2
		if err := w.send(ctx, batch[:mid], false); err != nil {
			return err
		}
		return w.send(ctx, batch[mid:], false)
	}

	// Out of retries: dead-letter the failed items by doc id.
	failed := make(map[string]string, len(itemErrs))
	for _, ie := range itemErrs {
		failed[ie.DocID] = fmt.Sprintf("status %d: %s", ie.Status, ie.Reason)
	}
	for _, op := range batch {
		if reason, ok := failed[op.DocID]; ok {
			if w.OnItemError != nil {
				w.OnItemError(op, reason)
			}
		}
	}
	return nil
}

// Pending reports the queued op count, for shutdown accounting.
func (w *BulkWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// encodeBulk renders the NDJSON bulk body.
func encodeBulk(batch []Op) ([]byte, error) {
	var buf []byte
	for _, op := range batch {
		var action map[string]interface{}
		if op.Delete {
			action = map[string]interface{}{
				"delete": map[string]interface{}{"_index": op.Index, "_id": op.DocID},
			}
		} else {
			action = map[string]interface{}{
				"index": map[string]interface{}{"_index": op.Index, "_id": op.DocID},
			}
		}
		line, err := json.Marshal(action)
		if err != nil {
			return nil, fmt.Errorf("encode bulk action: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')

		if !op.Delete {
			src, err := json.Marshal(op.Doc)
			if err != nil {
				return nil, fmt.Errorf("encode bulk source %s: %w", op.DocID, err)
			}
			buf = append(buf, src...)
			buf = append(buf, '\n')
		}
	}
	return buf, nil
}
