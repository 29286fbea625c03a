package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/pkg/ulid"
	"github.com/peagen-io/peagen/internal/queue"
)

// Watchdog enforces task deadlines and worker liveness. One instance runs
// per gateway, scanning at half the heartbeat interval.
type Watchdog struct {
	d        *Dispatcher
	interval time.Duration
	logger   *slog.Logger
}

// NewWatchdog wraps a Dispatcher with the liveness scans. interval should
// be the configured heartbeat interval; scans run at interval/2.
func NewWatchdog(d *Dispatcher, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watchdog{d: d, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval / 2)
	defer ticker.Stop()
	w.logger.Info("watchdog started", "scan_every", w.interval/2)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx, time.Now().UTC())
		}
	}
}

// Scan runs one deadline pass and one heartbeat pass. Exposed so tests
// and drain paths can step the watchdog deterministically.
func (w *Watchdog) Scan(ctx context.Context, now time.Time) {
	w.scanDeadlines(ctx, now)
	w.scanHeartbeats(ctx, now)
}

// scanDeadlines cancels running tasks past their deadline. Cancellation of
// the worker-side handler is best-effort.
func (w *Watchdog) scanDeadlines(ctx context.Context, now time.Time) {
	overdue, err := w.d.store.ListRunningPastDeadline(ctx, now)
	if err != nil {
		w.logger.Error("deadline scan failed", "error", err)
		return
	}
	for _, task := range overdue {
		logger := w.logger.With("task_id", task.ID)
		if task.WorkerID != nil {
			if worker, err := w.d.store.GetWorker(ctx, *task.WorkerID); err == nil {
				if err := w.d.work.CancelWork(ctx, worker.Endpoint, task.ID); err != nil {
					logger.Warn("cancel call failed", "worker_id", worker.ID, "error", err)
				}
				_ = w.d.store.SetWorkerStatus(ctx, worker.ID, models.WorkerIdle)
			}
		}
		patch, _ := json.Marshal(map[string]interface{}{
			"status": models.TaskCancelled,
			"reason": "deadline_exceeded",
		})
		if err := w.d.appendSystem(ctx, task.ID, patch); err != nil {
			logger.Error("recording deadline cancellation failed", "error", err)
			continue
		}
		logger.Info("task cancelled on deadline")
	}
}

// scanHeartbeats marks workers stale past StaleAfter and evicts them past
// EvictAfter, requeueing whatever they were running.
func (w *Watchdog) scanHeartbeats(ctx context.Context, now time.Time) {
	workers, err := w.d.store.ListWorkers(ctx)
	if err != nil {
		w.logger.Error("heartbeat scan failed", "error", err)
		return
	}
	for _, worker := range workers {
		gap := now.Sub(worker.LastSeenAt)
		switch {
		case gap > w.d.cfg.EvictAfter:
			w.evict(ctx, worker)
		case gap > w.d.cfg.StaleAfter && worker.Status != models.WorkerStale:
			if err := w.d.store.SetWorkerStatus(ctx, worker.ID, models.WorkerStale); err != nil {
				w.logger.Error("marking worker stale failed", "worker_id", worker.ID, "error", err)
			} else {
				w.logger.Warn("worker stale", "worker_id", worker.ID, "gap", gap)
			}
		}
	}
}

func (w *Watchdog) evict(ctx context.Context, worker *models.Worker) {
	logger := w.logger.With("worker_id", worker.ID)
	if err := w.d.store.SetWorkerStatus(ctx, worker.ID, models.WorkerEvicted); err != nil {
		logger.Error("evicting worker failed", "error", err)
		return
	}
	evictedWorkersTotal.Inc()
	logger.Warn("worker evicted")

	running, err := w.d.store.ListRunningByWorker(ctx, worker.ID)
	if err != nil {
		logger.Error("listing orphaned tasks failed", "error", err)
		return
	}
	for _, task := range running {
		taskLogger := logger.With("task_id", task.ID)
		lost, _ := json.Marshal(map[string]interface{}{
			"status": models.TaskLost,
			"reason": string(queue.ReasonWorkerEvicted),
		})
		if err := w.d.appendSystem(ctx, task.ID, lost); err != nil {
			taskLogger.Error("recording lost revision failed", "error", err)
			continue
		}

		next := task.Attempt + 1
		if next > w.d.cfg.MaxAttempts {
			failed, _ := json.Marshal(map[string]interface{}{
				"status": models.TaskFailed,
				"reason": "exhausted",
			})
			if err := w.d.appendSystem(ctx, task.ID, failed); err != nil {
				taskLogger.Error("recording exhausted failure failed", "error", err)
			}
			exhaustedTasksTotal.Inc()
			continue
		}

		requeued, _ := json.Marshal(map[string]interface{}{
			"status":  models.TaskQueued,
			"attempt": next,
			"reason":  string(queue.ReasonWorkerEvicted),
		})
		if err := w.d.appendSystem(ctx, task.ID, requeued); err != nil {
			taskLogger.Error("recording requeue revision failed", "error", err)
			continue
		}
		// The original envelope was acked at dispatch, so the task
		// re-enters via a fresh envelope at the tail, matching the
		// worker_evicted placement rule.
		env := &queue.Envelope{
			ID:          ulid.New(),
			TaskID:      task.ID,
			Kind:        task.Kind,
			Pool:        task.Pool,
			Args:        task.Args,
			Attempt:     next,
			SubmittedAt: task.CreatedAt,
			Deadline:    task.Deadline,
		}
		if err := w.d.queue.Push(ctx, task.Pool, env); err != nil {
			taskLogger.Error("requeueing orphaned task failed", "error", err)
			continue
		}
		requeuedTotal.WithLabelValues(task.Pool, string(queue.ReasonWorkerEvicted)).Inc()
		taskLogger.Info("orphaned task requeued", "attempt", next)
	}
}
