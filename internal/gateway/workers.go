package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/peagen-io/peagen/internal/keys"
	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/rpc"
	"github.com/peagen-io/peagen/internal/store"
)

type registerParams struct {
	WorkerID     *uuid.UUID `json:"worker_id,omitempty"`
	Endpoint     string     `json:"endpoint" validate:"required,url"`
	Pool         string     `json:"pool"`
	Capabilities []string   `json:"capabilities" validate:"required,min=1"`
	PublicKey    string     `json:"public_key,omitempty"`
}

type registerResult struct {
	WorkerID uuid.UUID `json:"worker_id"`
}

func (a *App) workerRegister(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p registerParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if p.Pool == "" {
		p.Pool = models.DefaultPool
	}

	exists, err := a.store.PoolExists(ctx, p.Pool)
	if err != nil {
		return nil, rpc.ErrInternal("pool lookup failed")
	}
	if !exists {
		return nil, rpc.ErrPoolMissing(fmt.Sprintf("pool %q does not exist", p.Pool))
	}

	var fingerprint *string
	if p.PublicKey != "" {
		pk, err := keys.ParseArmored(p.PublicKey)
		if err != nil {
			return nil, rpc.ErrInvalidParams(fmt.Sprintf("invalid public_key: %v", err))
		}
		fp := pk.Fingerprint()
		if err := a.store.AddPublicKey(ctx, &models.PublicKey{
			Fingerprint: fp,
			Armored:     p.PublicKey,
			Role:        models.RoleWorker,
		}); err != nil {
			a.logger.Error("worker key registration failed", "error", err)
			return nil, rpc.ErrInternal("key registration failed")
		}
		fingerprint = &fp
	}

	now := time.Now().UTC()

	// A worker restarting with its persisted id keeps its row; only the
	// liveness fields are refreshed.
	if p.WorkerID != nil {
		if _, err := a.store.GetWorker(ctx, *p.WorkerID); err == nil {
			if err := a.store.TouchWorker(ctx, *p.WorkerID, models.WorkerIdle, now); err != nil {
				return nil, rpc.ErrInternal("worker refresh failed")
			}
			a.logger.Info("worker re-registered",
				"worker_id", *p.WorkerID, "pool", p.Pool, "endpoint", p.Endpoint)
			return registerResult{WorkerID: *p.WorkerID}, nil
		}
	}

	w := &models.Worker{
		Pool:         p.Pool,
		Endpoint:     p.Endpoint,
		Capabilities: p.Capabilities,
		Fingerprint:  fingerprint,
		Status:       models.WorkerIdle,
		LastSeenAt:   now,
	}
	if p.WorkerID != nil {
		w.ID = *p.WorkerID
	}
	if err := a.store.CreateWorker(ctx, w); err != nil {
		a.logger.Error("worker registration failed", "error", err)
		return nil, rpc.ErrInternal("worker registration failed")
	}
	a.logger.Info("worker registered",
		"worker_id", w.ID, "pool", w.Pool, "capabilities", w.Capabilities)
	return registerResult{WorkerID: w.ID}, nil
}

type heartbeatParams struct {
	WorkerID uuid.UUID           `json:"worker_id" validate:"required"`
	Status   models.WorkerStatus `json:"status" validate:"required,oneof=active idle busy"`
}

type okResult struct {
	OK bool `json:"ok"`
}

func (a *App) workerHeartbeat(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p heartbeatParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	err := a.store.TouchWorker(ctx, p.WorkerID, p.Status, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return nil, rpc.ErrNotFound("worker not registered")
	}
	if err != nil {
		return nil, rpc.ErrInternal("heartbeat failed")
	}
	return okResult{OK: true}, nil
}

type finishedParams struct {
	TaskID    uuid.UUID         `json:"task_id" validate:"required"`
	WorkerID  uuid.UUID         `json:"worker_id" validate:"required"`
	Status    models.TaskStatus `json:"status" validate:"required,oneof=succeeded failed cancelled"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// evaluationPayload is the result shape evaluate handlers report.
type evaluationPayload struct {
	Metrics []struct {
		Evaluator string  `json:"evaluator"`
		Metric    string  `json:"metric"`
		Unit      string  `json:"unit,omitempty"`
		Value     float64 `json:"value"`
	} `json:"metrics"`
}

func (a *App) workFinished(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p finishedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}
	if err := a.validate.Struct(p); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}

	if _, _, err := a.store.GetTask(ctx, p.TaskID); errors.Is(err, store.ErrNotFound) {
		return nil, rpc.ErrNotFound("task not found")
	} else if err != nil {
		return nil, rpc.ErrInternal("task lookup failed")
	}

	patch := map[string]interface{}{
		"status":    string(p.Status),
		"worker_id": p.WorkerID.String(),
	}
	if p.Reason != "" {
		patch["reason"] = p.Reason
	}
	if len(p.Result) > 0 {
		patch["result"] = json.RawMessage(p.Result)
	}
	if len(p.Artifacts) > 0 {
		patch["artifacts"] = p.Artifacts
	}

	// A report arriving after the task reached a terminal state (e.g. a
	// deadline cancellation) is still recorded; the projection skips it.
	task, rev, err := a.appendWithRetry(ctx, p.TaskID, patch)
	if err != nil {
		a.logger.Error("completion revision failed", "task_id", p.TaskID, "error", err)
		return nil, rpc.ErrInternal("completion record failed")
	}

	if err := a.store.SetWorkerStatus(ctx, p.WorkerID, models.WorkerIdle); err != nil && !errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("worker status reset failed", "worker_id", p.WorkerID, "error", err)
	}

	if task.Kind == "evaluate" && p.Status == models.TaskSucceeded && len(p.Result) > 0 {
		a.recordEvaluation(ctx, p.TaskID, p.Result)
	}

	a.publish(ctx, task, rev)
	return revResult{RevHash: rev.RevHash}, nil
}

// recordEvaluation extracts metric rows from an evaluate result. Failures
// are logged only; the completion revision is already recorded.
func (a *App) recordEvaluation(ctx context.Context, taskID uuid.UUID, result json.RawMessage) {
	var payload evaluationPayload
	if err := json.Unmarshal(result, &payload); err != nil || len(payload.Metrics) == 0 {
		return
	}
	rows := make([]models.EvaluationResult, 0, len(payload.Metrics))
	for _, m := range payload.Metrics {
		if m.Evaluator == "" || m.Metric == "" {
			continue
		}
		rows = append(rows, models.EvaluationResult{
			TaskID:        taskID,
			EvaluatorName: m.Evaluator,
			Metric:        m.Metric,
			Unit:          m.Unit,
			Value:         m.Value,
		})
	}
	if len(rows) == 0 {
		return
	}
	if err := a.store.AddEvaluationResults(ctx, rows); err != nil {
		a.logger.Warn("evaluation result recording failed", "task_id", taskID, "error", err)
	}
}
