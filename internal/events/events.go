// Package events publishes task lifecycle events to Redis Pub/Sub or Kafka so
// dashboards can follow ingestion without polling.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// TypeTaskState is the event type and the default channel/topic name.
const TypeTaskState = "EVENT_TASK_STATE"

// TaskEvent is emitted on every task state transition.
type TaskEvent struct {
	Type      string    `json:"type"`
	TaskID    string    `json:"taskId"`
	Requester string    `json:"requester,omitempty"`
	State     string    `json:"state"`
	Attempt   int       `json:"attempt"`
	Processed int64     `json:"processed"`
	Rejected  int64     `json:"rejected"`
	Cause     string    `json:"cause,omitempty"`
	At        time.Time `json:"at"`
}

func (e TaskEvent) encode() ([]byte, error) {
	if e.Type == "" {
		e.Type = TypeTaskState
	}
	return json.Marshal(e)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, TaskEvent) error { return nil }
func (Nop) Close() error                            { return nil }
