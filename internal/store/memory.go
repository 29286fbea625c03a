package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/revision"
)

func init() {
	Register("in_memory", func(cfg Config) (Store, error) {
		m := NewMemory()
		for _, pool := range cfg.Pools {
			_ = m.EnsurePool(context.Background(), pool, "default")
		}
		return m, nil
	})
}

// Memory is a single-process Store with the same semantics as the Postgres
// backend. One mutex serialises all writes, which is what gives concurrent
// AppendRevision callers the one-winner guarantee.
type Memory struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]*models.Task
	revisions   map[uuid.UUID][]models.TaskRevision
	tokenIndex  map[string]uuid.UUID
	workers     map[uuid.UUID]*models.Worker
	tenants     map[string]*models.Tenant
	pools       map[string]*models.Pool
	publicKeys  map[string]*models.PublicKey
	secrets     map[string]*models.Secret // key: pool + "\x00" + name
	manifests   map[string]*models.Manifest
	evaluations map[uuid.UUID][]models.EvaluationResult
}

// NewMemory creates an empty store seeded with the default tenant/pool.
func NewMemory() *Memory {
	m := &Memory{
		tasks:       make(map[uuid.UUID]*models.Task),
		revisions:   make(map[uuid.UUID][]models.TaskRevision),
		tokenIndex:  make(map[string]uuid.UUID),
		workers:     make(map[uuid.UUID]*models.Worker),
		tenants:     make(map[string]*models.Tenant),
		pools:       make(map[string]*models.Pool),
		publicKeys:  make(map[string]*models.PublicKey),
		secrets:     make(map[string]*models.Secret),
		manifests:   make(map[string]*models.Manifest),
		evaluations: make(map[uuid.UUID][]models.EvaluationResult),
	}
	_ = m.EnsurePool(context.Background(), models.DefaultPool, "default")
	return m
}

func secretKey(pool, name string) string { return pool + "\x00" + name }

// CreateTask implements Store.
func (m *Memory) CreateTask(ctx context.Context, p SubmitParams) (*models.Task, *models.TaskRevision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[p.Pool]; !ok {
		return nil, nil, false, ErrPoolMissing
	}

	if p.ClientToken != nil {
		if id, ok := m.tokenIndex[*p.ClientToken]; ok {
			task := m.tasks[id]
			revs := m.revisions[id]
			t := *task
			r := revs[len(revs)-1]
			return &t, &r, false, nil
		}
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:           uuid.New(),
		Kind:         p.Kind,
		Pool:         p.Pool,
		Args:         append(json.RawMessage(nil), p.Args...),
		Status:       models.TaskQueued,
		Attempt:      1,
		ParentTaskID: p.ParentTaskID,
		DesignHash:   p.DesignHash,
		PlanHash:     p.PlanHash,
		ClientToken:  p.ClientToken,
		Deadline:     p.Deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	canonical, err := revision.Canonicalize(firstRevisionPatch(p))
	if err != nil {
		return nil, nil, false, err
	}
	payloadHash := revision.PayloadHash(canonical)
	rev := models.TaskRevision{
		TaskID:      task.ID,
		Seq:         1,
		Payload:     revision.EncodePayload(canonical),
		PayloadHash: payloadHash,
		RevHash:     revision.ChainHash("", payloadHash),
		CreatedAt:   now,
	}

	m.tasks[task.ID] = task
	m.revisions[task.ID] = []models.TaskRevision{rev}
	if p.ClientToken != nil {
		m.tokenIndex[*p.ClientToken] = task.ID
	}

	t := *task
	return &t, &rev, true, nil
}

// AppendRevision implements Store.
func (m *Memory) AppendRevision(ctx context.Context, taskID uuid.UUID, patch json.RawMessage, parentRevHash string) (*models.TaskRevision, error) {
	canonical, err := revision.Canonicalize(patch)
	if err != nil {
		return nil, err
	}
	parsed, err := ParsePatch(canonical)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	revs := m.revisions[taskID]
	head := revs[len(revs)-1]
	if parentRevHash != head.RevHash {
		return nil, ErrHashMismatch
	}

	now := time.Now().UTC()
	payloadHash := revision.PayloadHash(canonical)
	rev := models.TaskRevision{
		TaskID:        taskID,
		Seq:           head.Seq + 1,
		Payload:       revision.EncodePayload(canonical),
		PayloadHash:   payloadHash,
		ParentRevHash: head.RevHash,
		RevHash:       revision.ChainHash(head.RevHash, payloadHash),
		CreatedAt:     now,
	}
	m.revisions[taskID] = append(revs, rev)
	parsed.Apply(task, now)
	return &rev, nil
}

// GetTask implements Store.
func (m *Memory) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, *models.TaskRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	revs := m.revisions[id]
	t := *task
	r := revs[len(revs)-1]
	return &t, &r, nil
}

// ListRevisions implements Store.
func (m *Memory) ListRevisions(ctx context.Context, taskID uuid.UUID) ([]models.TaskRevision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revs, ok := m.revisions[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]models.TaskRevision, len(revs))
	copy(out, revs)
	return out, nil
}

// ListRunningByWorker implements Store.
func (m *Memory) ListRunningByWorker(ctx context.Context, workerID uuid.UUID) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status == models.TaskRunning && t.WorkerID != nil && *t.WorkerID == workerID {
			out = append(out, *t)
		}
	}
	sortTasks(out)
	return out, nil
}

// ListRunningPastDeadline implements Store.
func (m *Memory) ListRunningPastDeadline(ctx context.Context, now time.Time) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.tasks {
		if t.Status == models.TaskRunning && now.After(t.Deadline) {
			out = append(out, *t)
		}
	}
	sortTasks(out)
	return out, nil
}

func sortTasks(tasks []models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// CreateWorker implements Store.
func (m *Memory) CreateWorker(ctx context.Context, w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.LastSeenAt.IsZero() {
		w.LastSeenAt = now
	}
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

// GetWorker implements Store.
func (m *Memory) GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// ListWorkers implements Store.
func (m *Memory) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Worker
	for _, w := range m.workers {
		if w.Status == models.WorkerEvicted {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sortWorkers(out)
	return out, nil
}

// ListWorkersByPool implements Store.
func (m *Memory) ListWorkersByPool(ctx context.Context, pool string) ([]*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Worker
	for _, w := range m.workers {
		if w.Pool != pool || w.Status == models.WorkerEvicted {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sortWorkers(out)
	return out, nil
}

func sortWorkers(workers []*models.Worker) {
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].ID.String() < workers[j].ID.String()
	})
}

// TouchWorker implements Store.
func (m *Memory) TouchWorker(ctx context.Context, id uuid.UUID, status models.WorkerStatus, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.LastSeenAt = seenAt
	return nil
}

// SetWorkerStatus implements Store.
func (m *Memory) SetWorkerStatus(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	return nil
}

// PoolExists implements Store.
func (m *Memory) PoolExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pools[name]
	return ok, nil
}

// EnsurePool implements Store.
func (m *Memory) EnsurePool(ctx context.Context, name, tenantSlug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant, ok := m.tenants[tenantSlug]
	if !ok {
		tenant = &models.Tenant{ID: uuid.New(), Slug: tenantSlug, CreatedAt: time.Now().UTC()}
		m.tenants[tenantSlug] = tenant
	}
	if _, ok := m.pools[name]; !ok {
		m.pools[name] = &models.Pool{Name: name, TenantID: tenant.ID, CreatedAt: time.Now().UTC()}
	}
	return nil
}

// AddPublicKey implements Store. Re-uploading the same fingerprint is a
// no-op so key registration is idempotent.
func (m *Memory) AddPublicKey(ctx context.Context, k *models.PublicKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.publicKeys[k.Fingerprint]; ok {
		return nil
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	cp := *k
	m.publicKeys[k.Fingerprint] = &cp
	return nil
}

// GetPublicKey implements Store.
func (m *Memory) GetPublicKey(ctx context.Context, fingerprint string) (*models.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.publicKeys[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

// PutSecret implements Store.
func (m *Memory) PutSecret(ctx context.Context, s *models.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[s.Pool]
	if !ok {
		return ErrPoolMissing
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.TenantID = pool.TenantID
	cp := *s
	m.secrets[secretKey(s.Pool, s.Name)] = &cp
	return nil
}

// GetSecret implements Store.
func (m *Memory) GetSecret(ctx context.Context, pool, name string) (*models.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[secretKey(pool, name)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// DeleteSecret implements Store.
func (m *Memory) DeleteSecret(ctx context.Context, pool, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := secretKey(pool, name)
	if _, ok := m.secrets[key]; !ok {
		return ErrNotFound
	}
	delete(m.secrets, key)
	return nil
}

// UpsertManifest implements Store. Duplicate hashes reuse the stored row.
func (m *Memory) UpsertManifest(ctx context.Context, mf *models.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.manifests[mf.Hash]; ok {
		return nil
	}
	if mf.CreatedAt.IsZero() {
		mf.CreatedAt = time.Now().UTC()
	}
	cp := *mf
	m.manifests[mf.Hash] = &cp
	return nil
}

// GetManifest implements Store.
func (m *Memory) GetManifest(ctx context.Context, hash string) (*models.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mf, ok := m.manifests[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *mf
	return &cp, nil
}

// AddEvaluationResults implements Store. Duplicate metric rows are skipped.
func (m *Memory) AddEvaluationResults(ctx context.Context, rows []models.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, row := range rows {
		exists := false
		for _, have := range m.evaluations[row.TaskID] {
			if have.EvaluatorName == row.EvaluatorName && have.Metric == row.Metric {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = now
		}
		m.evaluations[row.TaskID] = append(m.evaluations[row.TaskID], row)
	}
	return nil
}

// ListEvaluationResults implements Store.
func (m *Memory) ListEvaluationResults(ctx context.Context, taskID uuid.UUID) ([]models.EvaluationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.evaluations[taskID]
	out := make([]models.EvaluationResult, len(rows))
	copy(out, rows)
	return out, nil
}

// Ping implements Store.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() {}
