// Package memory is an in-process queue with the same lease semantics as the
// Redis queue. It backs unit tests and single-binary development runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"skillora/ingest-service/internal/queue"
)

type lease struct {
	token    string
	deadline time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	ready   []string
	delayed map[string]time.Time
	leased  map[string]lease
	now     func() time.Time
}

func New() *Queue {
	return &Queue{
		delayed: make(map[string]time.Time),
		leased:  make(map[string]lease),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Queue) Enqueue(_ context.Context, taskID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(taskID, delay)
	return nil
}

func (q *Queue) push(taskID string, delay time.Duration) {
	if delay > 0 {
		q.delayed[taskID] = q.now().Add(delay)
		return
	}
	q.ready = append(q.ready, taskID)
}

func (q *Queue) Dequeue(_ context.Context, leaseFor time.Duration) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for id, at := range q.delayed {
		if !at.After(now) {
			q.ready = append(q.ready, id)
			delete(q.delayed, id)
		}
	}
	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		if _, busy := q.leased[id]; busy {
			continue
		}
		l := lease{token: uuid.NewString(), deadline: now.Add(leaseFor)}
		q.leased[id] = l
		return queue.Delivery{TaskID: id, Token: l.token, Deadline: l.deadline}, nil
	}
	return queue.Delivery{}, queue.ErrEmpty
}

func (q *Queue) holds(d queue.Delivery) bool {
	l, ok := q.leased[d.TaskID]
	return ok && l.token == d.Token
}

func (q *Queue) Ack(_ context.Context, d queue.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.holds(d) {
		return queue.ErrLeaseLost
	}
	delete(q.leased, d.TaskID)
	return nil
}

func (q *Queue) Extend(_ context.Context, d queue.Delivery, leaseFor time.Duration) (queue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.holds(d) {
		return queue.Delivery{}, queue.ErrLeaseLost
	}
	d.Deadline = q.now().Add(leaseFor)
	q.leased[d.TaskID] = lease{token: d.Token, deadline: d.Deadline}
	return d, nil
}

func (q *Queue) Requeue(_ context.Context, d queue.Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.holds(d) {
		return queue.ErrLeaseLost
	}
	delete(q.leased, d.TaskID)
	q.push(d.TaskID, delay)
	return nil
}

func (q *Queue) ReapExpired(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var reaped []string
	for id, l := range q.leased {
		if l.deadline.Before(now) {
			delete(q.leased, id)
			q.ready = append(q.ready, id)
			reaped = append(reaped, id)
		}
	}
	return reaped, nil
}

func (q *Queue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{
		Ready:   int64(len(q.ready)),
		Delayed: int64(len(q.delayed)),
		Leased:  int64(len(q.leased)),
	}, nil
}
