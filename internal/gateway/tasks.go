package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/pkg/ulid"
	"github.com/peagen-io/peagen/internal/queue"
	"github.com/peagen-io/peagen/internal/revision"
	"github.com/peagen-io/peagen/internal/rpc"
	"github.com/peagen-io/peagen/internal/store"
	"github.com/peagen-io/peagen/internal/ws"
)

type submitParams struct {
	Kind         string          `json:"kind" validate:"required"`
	Pool         string          `json:"pool"`
	Args         json.RawMessage `json:"args"`
	ClientToken  *string         `json:"client_token,omitempty"`
	ParentTaskID *uuid.UUID      `json:"parent_task_id,omitempty"`
	DesignHash   *string         `json:"design_hash,omitempty"`
	PlanHash     *string         `json:"plan_hash,omitempty"`
	// Design and Plan carry inline DOE manifests; the gateway dedupes them
	// by content hash and stamps the task with the hashes.
	Design json.RawMessage `json:"design,omitempty"`
	Plan   json.RawMessage `json:"plan,omitempty"`
}

type submitResult struct {
	TaskID  uuid.UUID `json:"task_id"`
	RevHash string    `json:"rev_hash"`
	Created bool      `json:"created"`
}

func (a *App) taskSubmit(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	if a.draining.Load() {
		return nil, rpc.ErrQueueUnavailable("gateway is draining")
	}

	var p submitParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if p.Pool == "" {
		p.Pool = models.DefaultPool
	}
	if len(p.Args) == 0 {
		p.Args = json.RawMessage(`{}`)
	}

	depth, err := a.queue.Depth(ctx, p.Pool)
	if err != nil {
		return nil, rpc.ErrQueueUnavailable(err.Error())
	}
	if !a.gate.admit(p.Pool, depth, a.cfg.Queue.HighWatermark, a.cfg.Queue.LowWatermark) {
		return nil, rpc.NewErrorWithData(rpc.CodeQueueUnavailable, "pool queue is full",
			map[string]interface{}{"pool": p.Pool, "depth": depth})
	}

	designHash, rpcErr := a.upsertManifest(ctx, p.Design, p.DesignHash, models.ManifestDesign)
	if rpcErr != nil {
		return nil, rpcErr
	}
	planHash, rpcErr := a.upsertManifest(ctx, p.Plan, p.PlanHash, models.ManifestPlan)
	if rpcErr != nil {
		return nil, rpcErr
	}

	task, rev, created, err := a.store.CreateTask(ctx, store.SubmitParams{
		Kind:         p.Kind,
		Pool:         p.Pool,
		Args:         p.Args,
		ClientToken:  p.ClientToken,
		ParentTaskID: p.ParentTaskID,
		DesignHash:   designHash,
		PlanHash:     planHash,
		Deadline:     time.Now().UTC().Add(a.cfg.Dispatch.TaskMaxDuration),
	})
	switch {
	case errors.Is(err, store.ErrPoolMissing):
		return nil, rpc.ErrPoolMissing(fmt.Sprintf("pool %q does not exist", p.Pool))
	case err != nil:
		a.logger.Error("task creation failed", "error", err)
		return nil, rpc.ErrInternal("task creation failed")
	}

	if created {
		env := &queue.Envelope{
			ID:          ulid.New(),
			TaskID:      task.ID,
			Kind:        task.Kind,
			Pool:        task.Pool,
			Args:        task.Args,
			Attempt:     1,
			SubmittedAt: task.CreatedAt,
			Deadline:    task.Deadline,
		}
		if err := a.queue.Push(ctx, task.Pool, env); err != nil {
			a.logger.Error("enqueue failed after task creation",
				"task_id", task.ID, "error", err)
			return nil, rpc.ErrQueueUnavailable("task stored but could not be enqueued")
		}
		a.publish(ctx, task, rev)
	}

	return submitResult{TaskID: task.ID, RevHash: rev.RevHash, Created: created}, nil
}

// upsertManifest stores inline manifest content keyed by its canonical
// hash. An explicit hash passes through untouched.
func (a *App) upsertManifest(ctx context.Context, content json.RawMessage, hash *string, kind models.ManifestKind) (*string, *rpc.Error) {
	if len(content) == 0 {
		return hash, nil
	}
	canonical, err := revision.Canonicalize(content)
	if err != nil {
		return nil, rpc.ErrInvalidParams(fmt.Sprintf("invalid %s manifest: %v", kind, err))
	}
	h := revision.PayloadHash(canonical)
	if err := a.store.UpsertManifest(ctx, &models.Manifest{
		Hash:    h,
		Kind:    kind,
		Content: canonical,
	}); err != nil {
		a.logger.Error("manifest upsert failed", "kind", string(kind), "error", err)
		return nil, rpc.ErrInternal("manifest upsert failed")
	}
	return &h, nil
}

type updateParams struct {
	TaskID        uuid.UUID       `json:"task_id" validate:"required"`
	Patch         json.RawMessage `json:"patch" validate:"required"`
	ParentRevHash string          `json:"parent_rev_hash" validate:"required"`
}

type revResult struct {
	RevHash string `json:"rev_hash"`
}

func (a *App) taskUpdate(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p updateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}

	// Reject malformed patches before touching the chain.
	canonical, err := revision.Canonicalize(p.Patch)
	if err != nil {
		return nil, rpc.ErrInvalidParams(fmt.Sprintf("invalid patch: %v", err))
	}
	if _, err := store.ParsePatch(canonical); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}

	rev, err := a.store.AppendRevision(ctx, p.TaskID, p.Patch, p.ParentRevHash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, rpc.ErrNotFound("task not found")
	case errors.Is(err, store.ErrHashMismatch):
		return nil, rpc.ErrHashMismatch("parent_rev_hash is not the chain head")
	case err != nil:
		a.logger.Error("revision append failed", "task_id", p.TaskID, "error", err)
		return nil, rpc.ErrInternal("revision append failed")
	}

	if task, _, err := a.store.GetTask(ctx, p.TaskID); err == nil {
		a.publish(ctx, task, rev)
	}
	return revResult{RevHash: rev.RevHash}, nil
}

type taskIDParams struct {
	TaskID uuid.UUID `json:"task_id" validate:"required"`
}

type taskResult struct {
	Task    *models.Task `json:"task"`
	RevHash string       `json:"rev_hash"`
}

func (a *App) taskGet(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	task, rev, err := a.store.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpc.ErrNotFound("task not found")
	}
	if err != nil {
		return nil, rpc.ErrInternal("task lookup failed")
	}
	return taskResult{Task: task, RevHash: rev.RevHash}, nil
}

func (a *App) taskHistory(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	revs, err := a.store.ListRevisions(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpc.ErrNotFound("task not found")
	}
	if err != nil {
		return nil, rpc.ErrInternal("history lookup failed")
	}
	return revs, nil
}

func (a *App) taskCancel(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p taskIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}

	task, head, err := a.store.GetTask(ctx, p.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpc.ErrNotFound("task not found")
	}
	if err != nil {
		return nil, rpc.ErrInternal("task lookup failed")
	}
	// Cancelling a finished task is a no-op.
	if task.Status.Terminal() {
		return revResult{RevHash: head.RevHash}, nil
	}

	wasRunning := task.Status == models.TaskRunning
	workerID := task.WorkerID

	task, rev, err := a.appendWithRetry(ctx, p.TaskID, map[string]interface{}{
		"status": string(models.TaskCancelled),
		"reason": "client_request",
	})
	if err != nil {
		a.logger.Error("cancel revision failed", "task_id", p.TaskID, "error", err)
		return nil, rpc.ErrInternal("cancel failed")
	}
	a.publish(ctx, task, rev)

	// Cancellation on the worker is advisory.
	if wasRunning && workerID != nil {
		if w, err := a.store.GetWorker(ctx, *workerID); err == nil {
			if err := a.work.CancelWork(ctx, w.Endpoint, p.TaskID); err != nil {
				a.logger.Warn("cancel delivery failed",
					"task_id", p.TaskID, "worker_id", *workerID, "error", err)
			}
			_ = a.store.SetWorkerStatus(ctx, *workerID, models.WorkerIdle)
		}
	}
	return revResult{RevHash: rev.RevHash}, nil
}

// appendWithRetry appends a gateway-authored revision, re-reading the
// chain head on a concurrent-writer collision.
func (a *App) appendWithRetry(ctx context.Context, taskID uuid.UUID, patch map[string]interface{}) (*models.Task, *models.TaskRevision, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, nil, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		_, head, err := a.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, nil, err
		}
		rev, err := a.store.AppendRevision(ctx, taskID, raw, head.RevHash)
		if errors.Is(err, store.ErrHashMismatch) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		task, _, err := a.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, nil, err
		}
		return task, rev, nil
	}
	return nil, nil, store.ErrHashMismatch
}

// publish announces a recorded revision on the task update channel.
// Failure is logged, not surfaced: the revision is already durable and
// clients resync via Task.get.
func (a *App) publish(ctx context.Context, task *models.Task, rev *models.TaskRevision) {
	if err := ws.PublishUpdate(ctx, a.queue, task, rev); err != nil {
		a.logger.Warn("task update publish failed", "task_id", task.ID, "error", err)
	}
}
