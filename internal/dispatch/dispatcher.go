// Package dispatch delivers outbound actions to downstream services with
// retries, per-target circuit breaking, and idempotency keys. Delivery is
// at-least-once; targets dedupe on the Idempotency-Key header.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/circuitbreaker"
	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/rules"
)

// DLQTopic receives actions that exhausted delivery.
const DLQTopic = "actions.dlq"

type job struct {
	action  rules.Action
	attempt int
	history []string
	due     time.Time
}

// Dispatcher runs a worker pool over a bounded queue. Enqueue blocks
// when the queue is full, which is the backpressure that pauses the
// orchestrator's consumer loop.
type Dispatcher struct {
	cfg      config.DispatchConfig
	client   *http.Client
	producer broker.Client
	breakers *circuitbreaker.Manager

	// OnDone, when set, is called once per action after its final
	// outcome, delivered or dead-lettered. The orchestrator uses it to
	// clear the durable intent it persisted before enqueueing.
	OnDone func(action rules.Action)

	queue chan *job
	quit  chan struct{}
	delay *delayQueue
	wg    sync.WaitGroup

	mu     sync.Mutex
	owed   map[string]struct{} // action ids accepted but not yet resolved
	closed bool
}

// New builds a dispatcher and starts its workers.
func New(cfg config.DispatchConfig, producer broker.Client) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	d := &Dispatcher{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		producer: producer,
		breakers: circuitbreaker.NewManager(circuitbreaker.Config{
			MaxFailures:    cfg.BreakerFailures,
			Cooldown:       cfg.BreakerCooldown,
			HalfOpenProbes: 1,
		}),
		queue: make(chan *job, cfg.QueueSize),
		quit:  make(chan struct{}),
		owed:  make(map[string]struct{}),
	}
	d.delay = newDelayQueue(d.requeue)

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue accepts one action for delivery. Actions with a future
// not_before are held in the delay queue until due. An action id that is
// already owed is dropped, so replaying persisted intents never doubles
// up on work already in flight.
func (d *Dispatcher) Enqueue(action rules.Action) {
	if !d.admit(action.ActionID) {
		return
	}
	j := &job{action: action, attempt: 1}
	if action.NotBefore != nil && action.NotBefore.After(time.Now()) {
		j.due = *action.NotBefore
		d.delay.Push(j)
		return
	}
	d.queue <- j
}

// admit registers an action id as owed; false means it is owed already.
func (d *Dispatcher) admit(actionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.owed[actionID]; dup {
		return false
	}
	d.owed[actionID] = struct{}{}
	return true
}

// finish resolves an owed action and reports its final outcome.
func (d *Dispatcher) finish(j *job) {
	d.mu.Lock()
	delete(d.owed, j.action.ActionID)
	done := d.OnDone
	d.mu.Unlock()
	if done != nil {
		done(j.action)
	}
}

// abandon forgets an owed action without an outcome; its durable intent
// survives for the next run to replay.
func (d *Dispatcher) abandon(j *job) {
	d.mu.Lock()
	delete(d.owed, j.action.ActionID)
	d.mu.Unlock()
}

// requeue moves a due job from the delay queue back to the workers.
func (d *Dispatcher) requeue(j *job) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		d.abandon(j)
		return
	}
	d.queue <- j
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case j := <-d.queue:
			d.deliver(j)
		}
	}
}

// deliver attempts one delivery and decides retry, dead-letter, or done.
func (d *Dispatcher) deliver(j *job) {
	br := d.breakers.Get(j.action.TargetService)
	generation, err := br.Allow()
	if err != nil {
		// Open breaker defers the job without consuming an attempt.
		j.due = time.Now().Add(d.cfg.BreakerCooldown)
		d.delay.Push(j)
		return
	}

	status, err := d.send(&j.action)
	success := err == nil && status < 400
	br.Record(generation, success || terminalStatus(status))

	if success {
		slog.Debug("action delivered",
			"action_id", j.action.ActionID, "type", j.action.Type,
			"target", j.action.TargetService, "attempt", j.attempt)
		d.finish(j)
		return
	}

	reason := fmt.Sprintf("attempt %d: status %d", j.attempt, status)
	if err != nil {
		reason = fmt.Sprintf("attempt %d: %v", j.attempt, err)
	}
	j.history = append(j.history, reason)

	if err == nil && terminalStatus(status) {
		d.deadLetter(j, reason)
		return
	}

	if j.attempt >= d.cfg.MaxAttempts {
		d.deadLetter(j, "max attempts exhausted")
		return
	}

	backoff := d.backoff(j.attempt)
	j.attempt++
	j.due = time.Now().Add(backoff)
	slog.Warn("action delivery failed, retrying",
		"action_id", j.action.ActionID, "target", j.action.TargetService,
		"attempt", j.attempt-1, "backoff", backoff, "reason", reason)
	d.delay.Push(j)
}

// terminalStatus reports whether the HTTP status must not be retried.
// 408 and 429 are the retryable exceptions in the 4xx range.
func terminalStatus(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		b *= 2
		if b >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if b > d.cfg.MaxBackoff {
		b = d.cfg.MaxBackoff
	}
	return b
}

// send performs the HTTP call for one action.
func (d *Dispatcher) send(action *rules.Action) (int, error) {
	method, url, body, err := d.route(action)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", action.ActionID)
	req.Header.Set("X-Tenant-ID", action.TenantID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// route maps an action type to its downstream endpoint and body.
func (d *Dispatcher) route(action *rules.Action) (method, url string, body []byte, err error) {
	switch action.Type {
	case rules.ActionLevelSuggested:
		method = http.MethodPut
		url = fmt.Sprintf("%s/api/v1/learners/%s/level", d.cfg.LearnerServiceURL, action.LearnerID)
		body, err = json.Marshal(action.Payload)
	case rules.ActionLearningPathUpdate:
		method = http.MethodPut
		url = fmt.Sprintf("%s/api/v1/learners/%s/learning-path", d.cfg.LearnerServiceURL, action.LearnerID)
		body, err = json.Marshal(action.Payload)
	case rules.ActionGameBreak, rules.ActionSELIntervention:
		method = http.MethodPost
		url = d.cfg.NotificationServiceURL + "/internal/broadcast"
		body, err = json.Marshal(action)
	default:
		err = fmt.Errorf("unroutable action type %q", action.Type)
	}
	if err != nil {
		err = fmt.Errorf("route action %s: %w", action.ActionID, err)
	}
	return method, url, body, err
}

// deadLetter publishes the action with its failure history to actions.dlq.
func (d *Dispatcher) deadLetter(j *job, reason string) {
	defer d.finish(j)

	payload, err := json.Marshal(map[string]interface{}{
		"action":   j.action,
		"attempts": j.attempt,
		"history":  j.history,
	})
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", j.action.ActionID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value := broker.WrapDeadLetter(reason, j.action.TargetService, payload)
	if _, err := d.producer.Publish(ctx, DLQTopic, []byte(j.action.LearnerID), value); err != nil {
		slog.Error("action dead-letter publish failed",
			"action_id", j.action.ActionID, "error", err)
		return
	}
	slog.Warn("action dead-lettered",
		"action_id", j.action.ActionID, "type", j.action.Type,
		"target", j.action.TargetService, "reason", reason)
}

// Pending reports actions not yet delivered or dead-lettered.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.owed)
}

// BreakerStates exposes per-target breaker states for health endpoints.
func (d *Dispatcher) BreakerStates() map[string]string {
	return d.breakers.States()
}

// Shutdown waits up to grace for in-flight actions, then stops the
// workers. Actions still waiting in the delay queue are abandoned to
// redelivery on the next run.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for d.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	d.delay.Stop()
	close(d.quit)
	d.wg.Wait()
}
