// Package orchestrator is the consumer loop of the orchestration engine:
// it reads learner events off the broker, runs each through the rules
// engine inside the learner's critical section, persists the state, and
// hands the resulting actions to the dispatcher.
//
// Processing is idempotent per learner: a redelivered event whose
// event_id matches the state's last applied id is acknowledged without
// re-applying. Partition keying by learner_id gives per-learner order.
//
// Actions are durable before acknowledgement: each computed action is
// persisted into the learner's pending set in the same write as the
// state change, enqueued, and cleared only once the dispatcher reports
// its final outcome. A crash between persist and delivery is repaired
// on the next message for that learner, duplicates included, which
// replays the surviving intents.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/dispatch"
	"github.com/lumilearn/backend/internal/events"
	"github.com/lumilearn/backend/internal/learner"
	"github.com/lumilearn/backend/internal/rules"
)

// Stats counts processing outcomes.
type Stats struct {
	Applied    int64
	Duplicates int64
	Actions    int64
}

// Orchestrator ties the broker, the state store, the rules engine, and
// the dispatcher together.
type Orchestrator struct {
	cfg        config.OrchestratorConfig
	client     broker.Client
	store      *learner.Store
	engine     *rules.Engine
	dispatcher *dispatch.Dispatcher

	applied    int64
	duplicates int64
	actions    int64
}

// New assembles the orchestrator and hooks the dispatcher's completion
// callback to intent cleanup.
func New(cfg config.OrchestratorConfig, client broker.Client, store *learner.Store, engine *rules.Engine, dispatcher *dispatch.Dispatcher) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		client:     client,
		store:      store,
		engine:     engine,
		dispatcher: dispatcher,
	}
	dispatcher.OnDone = o.clearIntent
	return o
}

// Run consumes until ctx is canceled, then flushes cached state so a
// restart resumes from the persisted snapshot.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.client.Subscribe(ctx, []string{o.cfg.EventsTopic}, o.cfg.Group, o.handleMessage)

	flushCtx, cancel := context.WithTimeout(context.Background(), o.cfg.GraceShutdown)
	defer cancel()
	o.store.Flush(flushCtx)
	return err
}

// handleMessage processes one event. Returning nil commits the offset;
// an error leaves it uncommitted for the broker layer's retry and
// dead-letter policy.
func (o *Orchestrator) handleMessage(ctx context.Context, msg *broker.Message) error {
	var ev events.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if ev.LearnerID == "" || ev.EventID == "" {
		return fmt.Errorf("event missing identity: learner=%q event=%q", ev.LearnerID, ev.EventID)
	}

	var out []rules.Action
	err := o.store.WithLock(ctx, ev.TenantID, ev.LearnerID, func(st *learner.State) error {
		out = out[:0]

		// Intents from earlier runs ride along with every message for
		// this learner, so a crash between persist and delivery is
		// repaired by the next arrival, a duplicate included.
		for id, raw := range st.PendingActions {
			var a rules.Action
			if uerr := json.Unmarshal(raw, &a); uerr != nil {
				slog.Error("dropping undecodable pending action",
					"action_id", id, "learner_id", ev.LearnerID, "error", uerr)
				delete(st.PendingActions, id)
				continue
			}
			out = append(out, a)
		}

		if st.LastAppliedEventID == ev.EventID {
			atomic.AddInt64(&o.duplicates, 1)
			slog.Debug("duplicate event skipped",
				"event_id", ev.EventID, "learner_id", ev.LearnerID)
			return nil
		}

		fresh := o.engine.Apply(&ev, st)
		st.LastAppliedEventID = ev.EventID
		for i := range fresh {
			raw, merr := json.Marshal(&fresh[i])
			if merr != nil {
				return fmt.Errorf("encode action %s: %w", fresh[i].ActionID, merr)
			}
			if st.PendingActions == nil {
				st.PendingActions = make(map[string]json.RawMessage, len(fresh))
			}
			st.PendingActions[fresh[i].ActionID] = raw
		}
		out = append(out, fresh...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply event %s: %w", ev.EventID, err)
	}

	atomic.AddInt64(&o.applied, 1)

	// Enqueue may block when the dispatcher queue is full; that pause
	// holds the offset uncommitted and backpressures the consumer.
	for i := range out {
		o.dispatcher.Enqueue(out[i])
		atomic.AddInt64(&o.actions, 1)
	}
	if len(out) > 0 {
		slog.Info("event applied",
			"event_id", ev.EventID, "event_type", ev.EventType,
			"learner_id", ev.LearnerID, "actions", len(out))
	}
	return nil
}

// clearIntent removes a resolved action from the learner's pending set.
// Delivery and dead-letter both count as resolved; what remains pending
// is only work no run has finished yet.
func (o *Orchestrator) clearIntent(action rules.Action) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := o.store.WithLock(ctx, action.TenantID, action.LearnerID, func(st *learner.State) error {
		delete(st.PendingActions, action.ActionID)
		return nil
	})
	if err != nil {
		slog.Warn("clearing resolved action intent failed",
			"action_id", action.ActionID, "learner_id", action.LearnerID, "error", err)
	}
}

// Snapshot returns current counters.
func (o *Orchestrator) Snapshot() Stats {
	return Stats{
		Applied:    atomic.LoadInt64(&o.applied),
		Duplicates: atomic.LoadInt64(&o.duplicates),
		Actions:    atomic.LoadInt64(&o.actions),
	}
}
