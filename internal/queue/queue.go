// Package queue defines the task delivery contract shared by the Redis and
// in-memory queues: at-least-once delivery of task IDs under a lease that
// expires unless acknowledged or extended.
package queue

import (
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when nothing is ready.
var ErrEmpty = errors.New("queue: no task ready")

// ErrLeaseLost is returned when a delivery's lease expired or was taken over
// by another consumer.
var ErrLeaseLost = errors.New("queue: lease lost")

// Delivery is one leased task ID. Token identifies the lease holder.
type Delivery struct {
	TaskID   string
	Token    string
	Deadline time.Time
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
	Leased  int64 `json:"leased"`
}
