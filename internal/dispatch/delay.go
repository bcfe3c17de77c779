package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

// delayQueue holds jobs until their due time, ordered soonest first. A
// single goroutine sleeps until the head is due and hands it to the
// release callback.
type delayQueue struct {
	mu      sync.Mutex
	jobs    jobHeap
	wake    chan struct{}
	done    chan struct{}
	release func(*job)
}

func newDelayQueue(release func(*job)) *delayQueue {
	q := &delayQueue{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		release: release,
	}
	go q.run()
	return q
}

// Push schedules a job for its due time.
func (q *delayQueue) Push(j *job) {
	q.mu.Lock()
	heap.Push(&q.jobs, j)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of held jobs.
func (q *delayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

// Stop terminates the timer goroutine. Held jobs are abandoned; callers
// drain via Len before stopping when that matters.
func (q *delayQueue) Stop() {
	close(q.done)
}

func (q *delayQueue) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		var wait time.Duration = time.Hour
		if q.jobs.Len() > 0 {
			wait = time.Until(q.jobs[0].due)
		}
		q.mu.Unlock()

		if wait <= 0 {
			q.releaseDue()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-q.done:
			return
		case <-q.wake:
		case <-timer.C:
			q.releaseDue()
		}
	}
}

func (q *delayQueue) releaseDue() {
	now := time.Now()
	for {
		q.mu.Lock()
		if q.jobs.Len() == 0 || q.jobs[0].due.After(now) {
			q.mu.Unlock()
			return
		}
		j := heap.Pop(&q.jobs).(*job)
		q.mu.Unlock()
		q.release(j)
	}
}

type jobHeap []*job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
