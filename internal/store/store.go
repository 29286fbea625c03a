// Package store is the gateway's persistence layer: tasks and their
// append-only revision chains, workers, pools, public keys, secrets,
// manifests, and evaluation results. Two backends ship: Postgres
// (production) and in-memory (tests, local mode), selected by name through
// the backend registry.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peagen-io/peagen/internal/models"
)

// Sentinel errors translated to RPC codes at the gateway boundary.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrHashMismatch = errors.New("store: parent revision hash mismatch")
	ErrDuplicate    = errors.New("store: duplicate")
	ErrPoolMissing  = errors.New("store: pool does not exist")
)

// SubmitParams carries everything needed to create a task with its first
// revision.
type SubmitParams struct {
	Kind         string
	Pool         string
	Args         json.RawMessage
	ClientToken  *string
	ParentTaskID *uuid.UUID
	DesignHash   *string
	PlanHash     *string
	Deadline     time.Time
}

// Store owns all persistent state. Every mutation of a task goes through
// CreateTask or AppendRevision; the projected tasks row is updated in the
// same transaction as the revision insert.
type Store interface {
	// CreateTask inserts a task plus its seq-1 revision. When ClientToken
	// matches an existing task the prior task and latest revision are
	// returned with created=false and no new rows are written. Matching is
	// by token alone: a re-submit carrying the same token with a different
	// payload still returns the original task.
	CreateTask(ctx context.Context, p SubmitParams) (task *models.Task, rev *models.TaskRevision, created bool, err error)
	// AppendRevision appends a revision whose parent must be the current
	// chain head, then projects recognised patch fields onto the task.
	// Returns ErrHashMismatch when parentRevHash is stale.
	AppendRevision(ctx context.Context, taskID uuid.UUID, patch json.RawMessage, parentRevHash string) (*models.TaskRevision, error)
	// GetTask returns the projected task and its latest revision.
	GetTask(ctx context.Context, id uuid.UUID) (*models.Task, *models.TaskRevision, error)
	// ListRevisions returns the full chain in seq order.
	ListRevisions(ctx context.Context, taskID uuid.UUID) ([]models.TaskRevision, error)
	// ListRunningByWorker returns tasks currently running on a worker.
	ListRunningByWorker(ctx context.Context, workerID uuid.UUID) ([]models.Task, error)
	// ListRunningPastDeadline returns running tasks whose deadline has
	// passed, for the watchdog.
	ListRunningPastDeadline(ctx context.Context, now time.Time) ([]models.Task, error)

	CreateWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error)
	// ListWorkers returns all workers not yet evicted.
	ListWorkers(ctx context.Context) ([]*models.Worker, error)
	ListWorkersByPool(ctx context.Context, pool string) ([]*models.Worker, error)
	// TouchWorker records a heartbeat: status plus last_seen_at.
	TouchWorker(ctx context.Context, id uuid.UUID, status models.WorkerStatus, seenAt time.Time) error
	SetWorkerStatus(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error

	PoolExists(ctx context.Context, name string) (bool, error)
	EnsurePool(ctx context.Context, name, tenantSlug string) error

	AddPublicKey(ctx context.Context, k *models.PublicKey) error
	GetPublicKey(ctx context.Context, fingerprint string) (*models.PublicKey, error)

	PutSecret(ctx context.Context, s *models.Secret) error
	GetSecret(ctx context.Context, pool, name string) (*models.Secret, error)
	DeleteSecret(ctx context.Context, pool, name string) error

	UpsertManifest(ctx context.Context, m *models.Manifest) error
	GetManifest(ctx context.Context, hash string) (*models.Manifest, error)

	AddEvaluationResults(ctx context.Context, rows []models.EvaluationResult) error
	ListEvaluationResults(ctx context.Context, taskID uuid.UUID) ([]models.EvaluationResult, error)

	Ping(ctx context.Context) error
	Close()
}

// Patch holds the recognised projection fields of a revision payload.
// Unknown keys are preserved in the payload but not projected.
type Patch struct {
	Status   *models.TaskStatus `json:"status,omitempty"`
	WorkerID *uuid.UUID         `json:"worker_id,omitempty"`
	Attempt  *int               `json:"attempt,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

// ParsePatch extracts the projection fields from a canonical patch.
func ParsePatch(canonical []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(canonical, &p); err != nil {
		return Patch{}, fmt.Errorf("store: parse patch: %w", err)
	}
	if p.Status != nil && !p.Status.Valid() {
		return Patch{}, fmt.Errorf("store: invalid status %q in patch", *p.Status)
	}
	return p, nil
}

// Apply projects the patch onto the task. A terminal task only accepts
// informational revisions: the projection is skipped but the revision
// itself is still recorded by the caller.
func (p Patch) Apply(task *models.Task, now time.Time) {
	if task.Status.Terminal() {
		task.UpdatedAt = now
		return
	}
	if p.Status != nil {
		task.Status = *p.Status
	}
	if p.WorkerID != nil {
		task.WorkerID = p.WorkerID
	}
	if p.Attempt != nil {
		task.Attempt = *p.Attempt
	}
	task.UpdatedAt = now
}

// firstRevisionPatch builds the seq-1 payload shared by both backends.
func firstRevisionPatch(p SubmitParams) json.RawMessage {
	patch := map[string]interface{}{
		"status":  string(models.TaskQueued),
		"kind":    p.Kind,
		"pool":    p.Pool,
		"attempt": 1,
	}
	if p.ParentTaskID != nil {
		patch["parent_task_id"] = p.ParentTaskID.String()
	}
	raw, _ := json.Marshal(patch)
	return raw
}

// Constructor opens a backend from its configuration.
type Constructor func(cfg Config) (Store, error)

// Config is the backend-agnostic store configuration.
type Config struct {
	Kind string
	DSN  string
	// Pools are seeded on startup in addition to the default pool.
	Pools []string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a backend constructor under name.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("store: duplicate backend %q", name))
	}
	registry[name] = ctor
}

// Open constructs the backend selected by cfg.Kind.
func Open(cfg Config) (Store, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.Kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: unknown backend %q (registered: %v)", cfg.Kind, Backends())
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
