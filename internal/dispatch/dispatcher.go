package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/queue"
	"github.com/peagen-io/peagen/internal/store"
	"github.com/peagen-io/peagen/internal/ws"
)

// Config tunes the dispatch loops and the watchdog.
type Config struct {
	// PollTimeout bounds each blocking pop.
	PollTimeout time.Duration
	// Backoff is the sleep after a pop that found no eligible worker.
	Backoff time.Duration
	// StaleAfter is the heartbeat gap after which a worker is stale and
	// no longer eligible for dispatch.
	StaleAfter time.Duration
	// EvictAfter is the heartbeat gap after which a worker is evicted and
	// its running tasks requeued.
	EvictAfter time.Duration
	// MaxAttempts caps redelivery; beyond it a task fails as exhausted.
	MaxAttempts int
}

// Defaults fills zero fields.
func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = 120 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Dispatcher runs one dispatch loop per pool.
type Dispatcher struct {
	store  store.Store
	queue  queue.Queue
	work   WorkClient
	cfg    Config
	logger *slog.Logger

	// lastDispatched feeds the least-recently-dispatched selection.
	mu             sync.Mutex
	lastDispatched map[uuid.UUID]time.Time
}

// New creates a Dispatcher. Zero config fields get defaults.
func New(st store.Store, q queue.Queue, work WorkClient, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:          st,
		queue:          q,
		work:           work,
		cfg:            cfg.withDefaults(),
		logger:         logger,
		lastDispatched: make(map[uuid.UUID]time.Time),
	}
}

// Run starts one loop per pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, pools []string) {
	var wg sync.WaitGroup
	for _, pool := range pools {
		wg.Add(1)
		go func(pool string) {
			defer wg.Done()
			d.runPool(ctx, pool)
		}(pool)
	}
	wg.Wait()
}

func (d *Dispatcher) runPool(ctx context.Context, pool string) {
	logger := d.logger.With("pool", pool)
	logger.Info("dispatch loop started")
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := d.queue.PopBlocking(ctx, pool, d.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Error("queue pop failed", "error", err)
			d.sleep(ctx, d.cfg.Backoff)
			continue
		}
		if env == nil {
			continue
		}
		d.dispatchOne(ctx, pool, env, logger)
	}
}

// DispatchOnce pops at most one envelope and dispatches it. Test hook and
// building block for single-shot drains.
func (d *Dispatcher) DispatchOnce(ctx context.Context, pool string) error {
	env, err := d.queue.PopBlocking(ctx, pool, d.cfg.PollTimeout)
	if err != nil || env == nil {
		return err
	}
	d.dispatchOne(ctx, pool, env, d.logger.With("pool", pool))
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, pool string, env *queue.Envelope, logger *slog.Logger) {
	logger = logger.With("task_id", env.TaskID, "kind", env.Kind)

	task, _, err := d.store.GetTask(ctx, env.TaskID)
	if err != nil {
		logger.Error("dropping envelope for unknown task", "error", err)
		_ = d.queue.Ack(ctx, env.ID)
		return
	}
	// Cancelled while queued: consume the envelope without dispatching.
	if task.Status.Terminal() {
		logger.Info("skipping terminal task", "status", task.Status)
		_ = d.queue.Ack(ctx, env.ID)
		return
	}

	worker := d.selectWorker(ctx, pool, env.Kind)
	if worker == nil {
		if err := d.queue.Requeue(ctx, env.ID, queue.ReasonNoWorker); err != nil {
			logger.Error("requeue failed", "error", err)
		}
		requeuedTotal.WithLabelValues(pool, string(queue.ReasonNoWorker)).Inc()
		d.sleep(ctx, d.cfg.Backoff)
		return
	}
	logger = logger.With("worker_id", worker.ID)

	if err := d.store.SetWorkerStatus(ctx, worker.ID, models.WorkerBusy); err != nil {
		logger.Error("marking worker busy failed", "error", err)
	}

	patch, _ := json.Marshal(map[string]interface{}{
		"status":    models.TaskRunning,
		"worker_id": worker.ID,
		"attempt":   task.Attempt,
	})
	if err := d.appendSystem(ctx, env.TaskID, patch); err != nil {
		logger.Error("recording running revision failed", "error", err)
		_ = d.store.SetWorkerStatus(ctx, worker.ID, models.WorkerIdle)
		_ = d.queue.Requeue(ctx, env.ID, queue.ReasonDispatchFailed)
		requeuedTotal.WithLabelValues(pool, string(queue.ReasonDispatchFailed)).Inc()
		return
	}

	if err := d.work.StartWork(ctx, worker.Endpoint, env); err != nil {
		logger.Warn("worker rejected dispatch", "error", err)
		_ = d.store.SetWorkerStatus(ctx, worker.ID, models.WorkerStale)
		d.failDispatch(ctx, task, env, logger)
		return
	}

	d.mu.Lock()
	d.lastDispatched[worker.ID] = time.Now()
	d.mu.Unlock()
	dispatchedTotal.WithLabelValues(pool).Inc()
	// The worker owns the task now; completion arrives via Work.finished.
	if err := d.queue.Ack(ctx, env.ID); err != nil {
		logger.Error("ack failed", "error", err)
	}
	logger.Info("task dispatched")
}

// failDispatch returns a task to the queue after a failed Work.start, or
// fails it outright once attempts are exhausted.
func (d *Dispatcher) failDispatch(ctx context.Context, task *models.Task, env *queue.Envelope, logger *slog.Logger) {
	next := task.Attempt + 1
	if next > d.cfg.MaxAttempts {
		patch, _ := json.Marshal(map[string]interface{}{
			"status": models.TaskFailed,
			"reason": "exhausted",
		})
		if err := d.appendSystem(ctx, task.ID, patch); err != nil {
			logger.Error("recording exhausted failure failed", "error", err)
		}
		exhaustedTasksTotal.Inc()
		_ = d.queue.Ack(ctx, env.ID)
		return
	}

	patch, _ := json.Marshal(map[string]interface{}{
		"status":  models.TaskQueued,
		"attempt": next,
		"reason":  string(queue.ReasonDispatchFailed),
	})
	if err := d.appendSystem(ctx, task.ID, patch); err != nil {
		logger.Error("recording requeue revision failed", "error", err)
	}
	if err := d.queue.Requeue(ctx, env.ID, queue.ReasonDispatchFailed); err != nil {
		logger.Error("requeue failed", "error", err)
	}
	requeuedTotal.WithLabelValues(task.Pool, string(queue.ReasonDispatchFailed)).Inc()
}

// selectWorker picks the least-recently-dispatched idle worker in the pool
// whose capabilities include kind and whose heartbeat is fresh. Ties break
// by worker id, which ListWorkersByPool already orders by.
func (d *Dispatcher) selectWorker(ctx context.Context, pool, kind string) *models.Worker {
	workers, err := d.store.ListWorkersByPool(ctx, pool)
	if err != nil {
		d.logger.Error("listing workers failed", "pool", pool, "error", err)
		return nil
	}
	cutoff := time.Now().Add(-d.cfg.StaleAfter)

	d.mu.Lock()
	defer d.mu.Unlock()
	var best *models.Worker
	var bestAt time.Time
	for _, w := range workers {
		if w.Status != models.WorkerIdle || !w.Accepts(kind) || w.LastSeenAt.Before(cutoff) {
			continue
		}
		at := d.lastDispatched[w.ID]
		if best == nil || at.Before(bestAt) {
			best, bestAt = w, at
		}
	}
	return best
}

// appendSystem records a gateway-originated revision, refetching the chain
// head on a concurrent-writer collision.
func (d *Dispatcher) appendSystem(ctx context.Context, taskID uuid.UUID, patch json.RawMessage) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		_, head, err := d.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		rev, err := d.store.AppendRevision(ctx, taskID, patch, head.RevHash)
		if err == nil {
			if task, _, err := d.store.GetTask(ctx, taskID); err == nil {
				if pubErr := ws.PublishUpdate(ctx, d.queue, task, rev); pubErr != nil {
					d.logger.Warn("publishing task update failed", "task_id", taskID, "error", pubErr)
				}
			}
			return nil
		}
		if !errors.Is(err, store.ErrHashMismatch) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
