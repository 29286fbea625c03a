// Package ws fans task lifecycle events out to WebSocket subscribers.
// Events originate from gateway revision appends, travel over the queue's
// pub/sub channel, and are routed here by topic so every gateway replica
// serves the same stream.
package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/queue"
)

// Event is one task lifecycle notification pushed to subscribers.
type Event struct {
	TaskID    uuid.UUID         `json:"task_id"`
	Pool      string            `json:"pool"`
	Status    models.TaskStatus `json:"status"`
	Seq       int               `json:"seq"`
	RevHash   string            `json:"rev_hash"`
	Timestamp time.Time         `json:"ts"`
}

// Topic names a subscription stream.
//
//	task:<uuid>  one task's updates
//	pool:<name>  every task in a pool
//	all          the firehose
const TopicAll = "all"

// TaskTopic returns the per-task topic for id.
func TaskTopic(id uuid.UUID) string { return "task:" + id.String() }

// PoolTopic returns the per-pool topic for name.
func PoolTopic(name string) string { return "pool:" + name }

// PublishUpdate is the single path for announcing a recorded revision.
// Publish happens after the revision is committed, so per-task event order
// matches revision order.
func PublishUpdate(ctx context.Context, q queue.Queue, task *models.Task, rev *models.TaskRevision) error {
	payload, err := json.Marshal(Event{
		TaskID:    task.ID,
		Pool:      task.Pool,
		Status:    task.Status,
		Seq:       rev.Seq,
		RevHash:   rev.RevHash,
		Timestamp: rev.CreatedAt,
	})
	if err != nil {
		return err
	}
	return q.Publish(ctx, queue.TaskUpdateChannel, payload)
}
