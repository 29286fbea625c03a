// Package queue defines the work distribution contract: per-pool FIFO
// queues with blocking pop, ack/requeue delivery tracking, and an
// orthogonal pub/sub channel used for task update fan-out. Two backends
// ship: in-memory (tests, local mode) and Redis (production).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope is the queued work unit.
type Envelope struct {
	ID          string          `json:"id"` // ULID, sortable by submission time
	TaskID      uuid.UUID       `json:"task_id"`
	Kind        string          `json:"kind"`
	Pool        string          `json:"pool"`
	Args        json.RawMessage `json:"args"`
	Attempt     int             `json:"attempt"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Deadline    time.Time       `json:"deadline"`
}

// RequeueReason selects where a returned envelope re-enters the queue.
type RequeueReason string

const (
	// ReasonNoWorker and ReasonDispatchFailed requeue at the head for a
	// fast retry once a worker becomes available.
	ReasonNoWorker       RequeueReason = "no_worker"
	ReasonDispatchFailed RequeueReason = "dispatch_failed"
	// ReasonWorkerEvicted requeues at the tail: the task already consumed
	// its turn and should not starve newer submissions.
	ReasonWorkerEvicted RequeueReason = "worker_evicted"
)

// AtHead reports whether the reason requeues to the head of the queue.
func (r RequeueReason) AtHead() bool {
	return r == ReasonNoWorker || r == ReasonDispatchFailed
}

// ErrClosed is returned once a queue has been shut down.
var ErrClosed = errors.New("queue: closed")

// TaskUpdateChannel is the pub/sub channel carrying task revision events.
const TaskUpdateChannel = "task:update"

// Queue is the pluggable work distribution contract. All blocking
// operations honour context cancellation.
type Queue interface {
	// Push enqueues the envelope at the tail of the pool queue.
	Push(ctx context.Context, pool string, env *Envelope) error
	// PopBlocking removes the head envelope, waiting up to timeout. It
	// returns (nil, nil) when the wait elapses with nothing available.
	// Delivery is at-most-once across concurrent consumers; the envelope
	// stays pending until Ack or Requeue.
	PopBlocking(ctx context.Context, pool string, timeout time.Duration) (*Envelope, error)
	// Ack marks a delivered envelope complete.
	Ack(ctx context.Context, envelopeID string) error
	// Requeue returns a pending envelope to its pool queue. Placement
	// (head or tail) follows the reason.
	Requeue(ctx context.Context, envelopeID string, reason RequeueReason) error
	// Depth reports the number of queued (not pending) envelopes.
	Depth(ctx context.Context, pool string) (int64, error)
	// Publish fans a message out to all subscribers of channel.
	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe returns a stream of messages for channel. The stream is
	// closed when ctx is cancelled or the queue shuts down.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// Close releases resources and unblocks pending pops with ErrClosed.
	Close() error
}

// Constructor opens a backend from its configuration.
type Constructor func(cfg Config) (Queue, error)

// Config is the backend-agnostic queue configuration.
type Config struct {
	Kind string
	URL  string
	// CompressThreshold is the envelope size in bytes above which the
	// Redis backend stores the payload zstd-compressed. Zero keeps the
	// backend default.
	CompressThreshold int
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a backend constructor under name. Backends register
// themselves from init in their own files; configuration selects by name.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("queue: duplicate backend %q", name))
	}
	registry[name] = ctor
}

// Open constructs the backend selected by cfg.Kind.
func Open(cfg Config) (Queue, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("queue: unknown backend %q (registered: %v)", cfg.Kind, Backends())
	}
	return ctor(cfg)
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
