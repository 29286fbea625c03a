package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/queue"
	"github.com/peagen-io/peagen/internal/revision"
	"github.com/peagen-io/peagen/internal/store"
)

func newWatchdogFixture(t *testing.T, cfg Config) (*fixture, *Watchdog) {
	t.Helper()
	f := newFixture(t, cfg)
	wd := NewWatchdog(f.disp, 10*time.Second, slog.New(slog.DiscardHandler))
	return f, wd
}

// runTaskOn puts a task into running state assigned to worker.
func runTaskOn(t *testing.T, f *fixture, worker *models.Worker, deadline time.Time) *models.Task {
	t.Helper()
	ctx := context.Background()
	task, rev, _, err := f.store.CreateTask(ctx, store.SubmitParams{
		Kind:     "generate",
		Pool:     models.DefaultPool,
		Args:     json.RawMessage(`{}`),
		Deadline: deadline,
	})
	require.NoError(t, err)
	patch, _ := json.Marshal(map[string]interface{}{
		"status":    models.TaskRunning,
		"worker_id": worker.ID,
	})
	_, err = f.store.AppendRevision(ctx, task.ID, patch, rev.RevHash)
	require.NoError(t, err)
	return task
}

func TestWatchdogCancelsOverdueTask(t *testing.T) {
	f, wd := newWatchdogFixture(t, Config{})
	ctx := context.Background()

	worker := f.addWorker(t, models.WorkerBusy, "generate")
	task := runTaskOn(t, f, worker, time.Now().Add(-time.Minute))

	wd.Scan(ctx, time.Now().UTC())

	assert.Equal(t, []uuid.UUID{task.ID}, f.work.cancelledTasks())

	got, _, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.Status)

	w, err := f.store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerIdle, w.Status)
}

func TestWatchdogMarksStale(t *testing.T) {
	f, wd := newWatchdogFixture(t, Config{StaleAfter: 30 * time.Second, EvictAfter: 120 * time.Second})
	ctx := context.Background()

	worker := f.addWorker(t, models.WorkerIdle, "generate")
	require.NoError(t, f.store.TouchWorker(ctx, worker.ID, models.WorkerIdle, time.Now().Add(-time.Minute)))

	wd.Scan(ctx, time.Now().UTC())

	w, err := f.store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStale, w.Status)
}

func TestWatchdogEvictsAndRequeues(t *testing.T) {
	f, wd := newWatchdogFixture(t, Config{StaleAfter: 30 * time.Second, EvictAfter: 2 * time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	worker := f.addWorker(t, models.WorkerBusy, "generate")
	task := runTaskOn(t, f, worker, time.Now().Add(time.Hour))
	require.NoError(t, f.store.TouchWorker(ctx, worker.ID, models.WorkerBusy, time.Now().Add(-10*time.Minute)))

	wd.Scan(ctx, time.Now().UTC())

	w, err := f.store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerEvicted, w.Status)

	got, _, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, got.Status)
	assert.Equal(t, 2, got.Attempt)

	// Requeue lands at the tail via a fresh envelope.
	env, err := f.queue.PopBlocking(ctx, models.DefaultPool, 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, task.ID, env.TaskID)
	assert.Equal(t, 2, env.Attempt)

	// The chain records lost then queued.
	revs, err := f.store.ListRevisions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, revs, 4)
	entries := make([]revision.Entry, len(revs))
	for i, r := range revs {
		entries[i] = revision.Entry{Seq: r.Seq, PayloadHash: r.PayloadHash, ParentRevHash: r.ParentRevHash, RevHash: r.RevHash}
	}
	assert.NoError(t, revision.Verify(entries))
}

func TestWatchdogEvictionExhaustsAttempts(t *testing.T) {
	f, wd := newWatchdogFixture(t, Config{EvictAfter: time.Minute, MaxAttempts: 1})
	ctx := context.Background()

	worker := f.addWorker(t, models.WorkerBusy, "generate")
	task := runTaskOn(t, f, worker, time.Now().Add(time.Hour))
	require.NoError(t, f.store.TouchWorker(ctx, worker.ID, models.WorkerBusy, time.Now().Add(-time.Hour)))

	wd.Scan(ctx, time.Now().UTC())

	got, _, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)

	depth, err := f.queue.Depth(ctx, models.DefaultPool)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestWatchdogPublishesUpdates(t *testing.T) {
	f, wd := newWatchdogFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := f.queue.Subscribe(ctx, queue.TaskUpdateChannel)
	require.NoError(t, err)

	worker := f.addWorker(t, models.WorkerBusy, "generate")
	task := runTaskOn(t, f, worker, time.Now().Add(-time.Minute))

	wd.Scan(ctx, time.Now().UTC())

	select {
	case msg := <-msgs:
		var e struct {
			TaskID uuid.UUID         `json:"task_id"`
			Status models.TaskStatus `json:"status"`
		}
		require.NoError(t, json.Unmarshal(msg, &e))
		assert.Equal(t, task.ID, e.TaskID)
		assert.Equal(t, models.TaskCancelled, e.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no task update published")
	}
}
