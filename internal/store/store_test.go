package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/revision"
)

func submitParams() SubmitParams {
	return SubmitParams{
		Kind:     "generate",
		Pool:     models.DefaultPool,
		Args:     json.RawMessage(`{"template":"base"}`),
		Deadline: time.Now().Add(time.Hour),
	}
}

func TestCreateTaskFirstRevision(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task, rev, created, err := m.CreateTask(ctx, submitParams())
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, models.TaskQueued, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, 1, rev.Seq)
	assert.Empty(t, rev.ParentRevHash)
	assert.Equal(t, revision.ChainHash("", rev.PayloadHash), rev.RevHash)

	payload, err := revision.DecodePayload(rev.Payload)
	require.NoError(t, err)
	var patch map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &patch))
	assert.Equal(t, "queued", patch["status"])
	assert.Equal(t, "generate", patch["kind"])
}

func TestCreateTaskUnknownPool(t *testing.T) {
	m := NewMemory()
	p := submitParams()
	p.Pool = "gpu"

	_, _, _, err := m.CreateTask(context.Background(), p)
	assert.ErrorIs(t, err, ErrPoolMissing)
}

func TestCreateTaskIdempotentToken(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	token := "client-abc"

	p := submitParams()
	p.ClientToken = &token

	first, firstRev, created, err := m.CreateTask(ctx, p)
	require.NoError(t, err)
	require.True(t, created)

	again, againRev, created, err := m.CreateTask(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, firstRev.RevHash, againRev.RevHash)

	// The token alone decides: a re-submit with different args still
	// resolves to the original task.
	p.Args = json.RawMessage(`{"changed":true}`)
	again, _, created, err = m.CreateTask(ctx, p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.JSONEq(t, string(first.Args), string(again.Args))

	revs, err := m.ListRevisions(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, revs, 1)
}

func TestAppendRevisionProjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task, rev, _, err := m.CreateTask(ctx, submitParams())
	require.NoError(t, err)

	workerID := uuid.New()
	patch, _ := json.Marshal(map[string]interface{}{
		"status":    "running",
		"worker_id": workerID,
	})
	rev2, err := m.AppendRevision(ctx, task.ID, patch, rev.RevHash)
	require.NoError(t, err)
	assert.Equal(t, 2, rev2.Seq)
	assert.Equal(t, rev.RevHash, rev2.ParentRevHash)

	got, head, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, got.Status)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, workerID, *got.WorkerID)
	assert.Equal(t, rev2.RevHash, head.RevHash)
}

func TestAppendRevisionStaleParent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task, rev, _, err := m.CreateTask(ctx, submitParams())
	require.NoError(t, err)

	patch := json.RawMessage(`{"status":"running"}`)
	_, err = m.AppendRevision(ctx, task.ID, patch, rev.RevHash)
	require.NoError(t, err)

	// The original head is now stale.
	_, err = m.AppendRevision(ctx, task.ID, patch, rev.RevHash)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestAppendRevisionConcurrentSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task, rev, _, err := m.CreateTask(ctx, submitParams())
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			patch, _ := json.Marshal(map[string]interface{}{
				"status": "running",
				"writer": i,
			})
			_, errs[i] = m.AppendRevision(ctx, task.ID, patch, rev.RevHash)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrHashMismatch)
		}
	}
	assert.Equal(t, 1, wins)

	revs, err := m.ListRevisions(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, revs, 2)
}

func TestAppendRevisionTerminalInformational(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task, rev, _, err := m.CreateTask(ctx, submitParams())
	require.NoError(t, err)

	rev2, err := m.AppendRevision(ctx, task.ID, json.RawMessage(`{"status":"cancelled"}`), rev.RevHash)
	require.NoError(t, err)

	// A late completion report still lands on the chain but cannot
	// resurrect a terminal task.
	rev3, err := m.AppendRevision(ctx, task.ID, json.RawMessage(`{"status":"succeeded"}`), rev2.RevHash)
	require.NoError(t, err)
	assert.Equal(t, 3, rev3.Seq)

	got, _, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, got.Status)
}

func TestAppendRevisionRejectsBadStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task, rev, _, err := m.CreateTask(ctx, submitParams())
	require.NoError(t, err)

	_, err = m.AppendRevision(ctx, task.ID, json.RawMessage(`{"status":"exploded"}`), rev.RevHash)
	assert.Error(t, err)
}

func TestRevisionChainVerifies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task, rev, _, err := m.CreateTask(ctx, submitParams())
	require.NoError(t, err)

	head := rev.RevHash
	for _, status := range []string{"running", "succeeded"} {
		patch, _ := json.Marshal(map[string]string{"status": status})
		next, err := m.AppendRevision(ctx, task.ID, patch, head)
		require.NoError(t, err)
		head = next.RevHash
	}

	revs, err := m.ListRevisions(ctx, task.ID)
	require.NoError(t, err)
	entries := make([]revision.Entry, len(revs))
	for i, r := range revs {
		entries[i] = revision.Entry{
			Seq:           r.Seq,
			PayloadHash:   r.PayloadHash,
			ParentRevHash: r.ParentRevHash,
			RevHash:       r.RevHash,
		}
	}
	assert.NoError(t, revision.Verify(entries))
}

func TestListRunningByWorker(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	workerID := uuid.New()

	for i := 0; i < 3; i++ {
		task, rev, _, err := m.CreateTask(ctx, submitParams())
		require.NoError(t, err)
		if i == 2 {
			continue // leave one queued
		}
		patch, _ := json.Marshal(map[string]interface{}{"status": "running", "worker_id": workerID})
		_, err = m.AppendRevision(ctx, task.ID, patch, rev.RevHash)
		require.NoError(t, err)
	}

	running, err := m.ListRunningByWorker(ctx, workerID)
	require.NoError(t, err)
	assert.Len(t, running, 2)
	running, err = m.ListRunningByWorker(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestListRunningPastDeadline(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	p := submitParams()
	p.Deadline = time.Now().Add(-time.Minute)
	task, rev, _, err := m.CreateTask(ctx, p)
	require.NoError(t, err)
	_, err = m.AppendRevision(ctx, task.ID, json.RawMessage(`{"status":"running"}`), rev.RevHash)
	require.NoError(t, err)

	fresh, frev, _, err := m.CreateTask(ctx, submitParams())
	require.NoError(t, err)
	_, err = m.AppendRevision(ctx, fresh.ID, json.RawMessage(`{"status":"running"}`), frev.RevHash)
	require.NoError(t, err)

	overdue, err := m.ListRunningPastDeadline(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, task.ID, overdue[0].ID)
}

func TestWorkerLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	w := &models.Worker{
		Pool:         models.DefaultPool,
		Endpoint:     "http://127.0.0.1:9100/rpc",
		Capabilities: []string{"generate", "evaluate"},
		Status:       models.WorkerIdle,
	}
	require.NoError(t, m.CreateWorker(ctx, w))
	require.NotEqual(t, uuid.Nil, w.ID)

	seen := time.Now().Add(time.Second).UTC()
	require.NoError(t, m.TouchWorker(ctx, w.ID, models.WorkerBusy, seen))
	got, err := m.GetWorker(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkerBusy, got.Status)
	assert.Equal(t, seen, got.LastSeenAt)

	require.NoError(t, m.SetWorkerStatus(ctx, w.ID, models.WorkerEvicted))
	listed, err := m.ListWorkersByPool(ctx, models.DefaultPool)
	require.NoError(t, err)
	assert.Empty(t, listed)

	err = m.TouchWorker(ctx, uuid.New(), models.WorkerIdle, seen)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSecretsScopedByPool(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsurePool(ctx, "gpu", "default"))

	s := &models.Secret{
		Name:       "gh-token",
		Pool:       models.DefaultPool,
		Ciphertext: []byte{0xde, 0xad},
		WrappedKeys: []models.WrappedKey{
			{Fingerprint: "fp1", Wrapped: []byte{0x01}},
		},
	}
	require.NoError(t, m.PutSecret(ctx, s))
	assert.NotEqual(t, uuid.Nil, s.TenantID)

	got, err := m.GetSecret(ctx, models.DefaultPool, "gh-token")
	require.NoError(t, err)
	assert.Equal(t, s.Ciphertext, got.Ciphertext)

	_, err = m.GetSecret(ctx, "gpu", "gh-token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.DeleteSecret(ctx, models.DefaultPool, "gh-token"))
	assert.ErrorIs(t, m.DeleteSecret(ctx, models.DefaultPool, "gh-token"), ErrNotFound)

	s.Pool = "moon"
	assert.ErrorIs(t, m.PutSecret(ctx, s), ErrPoolMissing)
}

func TestManifestDedup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	mf := &models.Manifest{
		Hash:    "abc123",
		Kind:    models.ManifestDesign,
		Content: json.RawMessage(`{"factors":2}`),
	}
	require.NoError(t, m.UpsertManifest(ctx, mf))
	first := mf.CreatedAt

	dup := &models.Manifest{Hash: "abc123", Kind: models.ManifestDesign, Content: json.RawMessage(`{}`)}
	require.NoError(t, m.UpsertManifest(ctx, dup))

	got, err := m.GetManifest(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, first, got.CreatedAt)
	assert.JSONEq(t, `{"factors":2}`, string(got.Content))
}

func TestEvaluationResultsDedup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	taskID := uuid.New()

	rows := []models.EvaluationResult{
		{TaskID: taskID, EvaluatorName: "pytest", Metric: "pass_rate", Value: 0.95},
		{TaskID: taskID, EvaluatorName: "pytest", Metric: "duration", Unit: "s", Value: 12.5},
	}
	require.NoError(t, m.AddEvaluationResults(ctx, rows))
	// Replay of the same report must not double-count.
	require.NoError(t, m.AddEvaluationResults(ctx, rows))

	got, err := m.ListEvaluationResults(ctx, taskID)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestOpenRegistry(t *testing.T) {
	s, err := Open(Config{Kind: "in_memory", Pools: []string{"gpu"}})
	require.NoError(t, err)
	defer s.Close()

	for _, pool := range []string{models.DefaultPool, "gpu"} {
		ok, err := s.PoolExists(context.Background(), pool)
		require.NoError(t, err)
		assert.True(t, ok, fmt.Sprintf("pool %s should exist", pool))
	}

	_, err = Open(Config{Kind: "bogus"})
	assert.Error(t, err)
}
