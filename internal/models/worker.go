package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the gateway's view of a worker's availability.
type WorkerStatus string

const (
	WorkerActive  WorkerStatus = "active"
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStale   WorkerStatus = "stale"
	WorkerEvicted WorkerStatus = "evicted"
)

// Valid returns true for a known worker status.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerActive, WorkerIdle, WorkerBusy, WorkerStale, WorkerEvicted:
		return true
	default:
		return false
	}
}

func (s WorkerStatus) String() string { return string(s) }

// Worker is a registered task executor. Capabilities is the set of task
// kinds the worker's handler registry accepts.
type Worker struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	Pool         string       `json:"pool" db:"pool"`
	Endpoint     string       `json:"endpoint" db:"endpoint"`
	Capabilities []string     `json:"capabilities" db:"capabilities"`
	Fingerprint  *string      `json:"fingerprint,omitempty" db:"fingerprint"`
	Status       WorkerStatus `json:"status" db:"status"`
	LastSeenAt   time.Time    `json:"last_seen_at" db:"last_seen_at"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// Accepts reports whether the worker advertises the given task kind.
func (w *Worker) Accepts(kind string) bool {
	for _, c := range w.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}
