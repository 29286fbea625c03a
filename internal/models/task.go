// Package models defines the persistent entities owned by the gateway.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the projected lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskLost      TaskStatus = "lost"
)

// Valid returns true if the status is a known lifecycle state.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskSucceeded, TaskFailed, TaskCancelled, TaskLost:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed. A lost task
// is not terminal: it re-enters queued on requeue.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

func (s TaskStatus) String() string { return string(s) }

// Task is the projected view of a task. All mutations happen through
// revisions; these fields mirror the highest-seq revision.
type Task struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	Kind         string          `json:"kind" db:"kind"`
	Pool         string          `json:"pool" db:"pool"`
	Args         json.RawMessage `json:"args" db:"args"`
	Status       TaskStatus      `json:"status" db:"status"`
	Attempt      int             `json:"attempt" db:"attempt"`
	WorkerID     *uuid.UUID      `json:"worker_id,omitempty" db:"worker_id"`
	ParentTaskID *uuid.UUID      `json:"parent_task_id,omitempty" db:"parent_task_id"`
	DesignHash   *string         `json:"design_hash,omitempty" db:"design_hash"`
	PlanHash     *string         `json:"plan_hash,omitempty" db:"plan_hash"`
	ClientToken  *string         `json:"-" db:"client_token"`
	Deadline     time.Time       `json:"deadline" db:"deadline"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// TaskRevision is one append-only row of the per-task hash chain.
type TaskRevision struct {
	TaskID        uuid.UUID `json:"task_id" db:"task_id"`
	Seq           int       `json:"seq" db:"seq"`
	Payload       string    `json:"payload" db:"payload"` // base64 canonical JSON
	PayloadHash   string    `json:"payload_hash" db:"payload_hash"`
	ParentRevHash string    `json:"parent_rev_hash,omitempty" db:"parent_rev_hash"`
	RevHash       string    `json:"rev_hash" db:"rev_hash"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Manifest is a deduplicated DOE design or plan document, keyed by the
// SHA-256 of its canonical content.
type Manifest struct {
	Hash      string          `json:"hash" db:"hash"`
	Kind      ManifestKind    `json:"kind" db:"kind"`
	Content   json.RawMessage `json:"content" db:"content"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ManifestKind distinguishes design matrices from expansion plans.
type ManifestKind string

const (
	ManifestDesign ManifestKind = "design"
	ManifestPlan   ManifestKind = "plan"
)

// Valid returns true for a known manifest kind.
func (k ManifestKind) Valid() bool {
	return k == ManifestDesign || k == ManifestPlan
}

// EvaluationResult is one metric row appended when an evaluate task
// succeeds. (task_id, evaluator_name, metric) is unique.
type EvaluationResult struct {
	TaskID        uuid.UUID `json:"task_id" db:"task_id"`
	EvaluatorName string    `json:"evaluator_name" db:"evaluator_name"`
	Metric        string    `json:"metric" db:"metric"`
	Unit          string    `json:"unit,omitempty" db:"unit"`
	Value         float64   `json:"value" db:"value"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
