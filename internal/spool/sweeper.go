package spool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lumilearn/backend/internal/broker"
)

// Sweeper replays spooled segments onto the broker once it recovers.
//
// Segments are claimed (renamed) before replay so concurrent Collector
// instances sharing a spool volume never double-publish a batch. A
// segment is removed only after every event in it has been acknowledged;
// decode failures sideline the file as corrupted, and segments past the
// spool's max age are moved to the expired directory untouched.
type Sweeper struct {
	spool    *Spool
	client   broker.Client
	topic    string
	interval time.Duration

	// OnReplay is invoked with the number of events successfully
	// republished from a segment; the Collector wires metrics here.
	OnReplay func(eventCount int)

	// OnExpire is invoked when a segment ages out.
	OnExpire func()
}

// NewSweeper builds a sweeper that republishes onto topic.
func NewSweeper(sp *Spool, client broker.Client, topic string, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{spool: sp, client: client, topic: topic, interval: interval}
}

// Run blocks, sweeping until ctx is canceled. Remaining segments are the
// recovery log; they are left in place on shutdown.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce(ctx)
		}
	}
}

// SweepNow runs one sweep pass immediately, outside the ticker.
func (w *Sweeper) SweepNow(ctx context.Context) {
	w.sweepOnce(ctx)
}

func (w *Sweeper) sweepOnce(ctx context.Context) {
	paths, err := w.spool.List()
	if err != nil {
		slog.Warn("spool list failed", "error", err)
		return
	}
	if len(paths) == 0 {
		return
	}

	now := time.Now()
	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}

		if w.spool.Age(path, now) > w.spool.MaxAge() {
			if err := w.spool.Expire(path); err != nil {
				slog.Warn("spool expire failed", "segment", path, "error", err)
			} else {
				slog.Warn("spool segment expired, sidelined", "segment", path)
				if w.OnExpire != nil {
					w.OnExpire()
				}
			}
			continue
		}

		if !w.client.Healthy(ctx) {
			return // broker still down, keep FIFO order and wait
		}

		claimed, err := w.spool.Claim(path)
		if err != nil {
			continue // another instance took it
		}
		if !w.replay(ctx, claimed) {
			return // publish failed mid-segment, stop until next tick
		}
	}
}

// replay publishes every event of one claimed segment. Returns false when
// the broker rejected the batch and sweeping should pause.
func (w *Sweeper) replay(ctx context.Context, claimed string) bool {
	seg, err := w.spool.Read(claimed)
	if err != nil {
		slog.Error("spool segment unreadable, sidelining", "segment", claimed, "error", err)
		if err := w.spool.Sideline(claimed); err != nil {
			slog.Warn("spool sideline failed", "segment", claimed, "error", err)
		}
		return true
	}

	records := make([]broker.Record, 0, len(seg.Events))
	for i := range seg.Events {
		value, err := json.Marshal(&seg.Events[i])
		if err != nil {
			// Should be impossible for an event that validated on
			// ingest; treat the whole segment as corrupted.
			slog.Error("spooled event unmarshalable, sidelining segment",
				"segment", claimed, "error", err)
			_ = w.spool.Sideline(claimed)
			return true
		}
		records = append(records, broker.Record{
			Key:   []byte(seg.Events[i].LearnerID),
			Value: value,
		})
	}

	if err := w.client.PublishBatch(ctx, w.topic, records); err != nil {
		slog.Warn("spool replay publish failed, releasing segment",
			"segment", claimed, "events", len(records), "error", err)
		if relErr := w.spool.Release(claimed); relErr != nil {
			slog.Error("spool release failed", "segment", claimed, "error", relErr)
		}
		return false
	}

	if err := w.spool.Remove(claimed); err != nil {
		slog.Warn("spool remove failed after ack", "segment", claimed, "error", err)
	}
	slog.Info("spool segment replayed", "batch_id", seg.Header.BatchID, "events", len(records))
	if w.OnReplay != nil {
		w.OnReplay(len(records))
	}
	return true
}
