package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/revision"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func init() {
	Register("postgres", func(cfg Config) (Store, error) {
		p, err := NewPostgres(cfg)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, pool := range cfg.Pools {
			if err := p.EnsurePool(ctx, pool, "default"); err != nil {
				p.Close()
				return nil, err
			}
		}
		return p, nil
	})
}

// Postgres is the production Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	dsn  string
}

// NewPostgres connects, verifies the connection, and applies pending
// migrations. cfg.DSN must be a postgres:// URL.
func NewPostgres(cfg Config) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	p := &Postgres{pool: pool, dsn: cfg.DSN}
	if err := p.runMigrations(); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) runMigrations() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: create migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, p.dsn)
	if err != nil {
		return fmt.Errorf("store: create migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const taskColumns = `id, kind, pool, args, status, attempt, worker_id, parent_task_id,
       design_hash, plan_hash, client_token, deadline, created_at, updated_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.ID, &t.Kind, &t.Pool, &t.Args, &t.Status, &t.Attempt, &t.WorkerID,
		&t.ParentTaskID, &t.DesignHash, &t.PlanHash, &t.ClientToken,
		&t.Deadline, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const revisionColumns = `task_id, seq, payload, payload_hash, COALESCE(parent_rev_hash, ''), rev_hash, created_at`

func scanRevision(row pgx.Row) (*models.TaskRevision, error) {
	var r models.TaskRevision
	err := row.Scan(&r.TaskID, &r.Seq, &r.Payload, &r.PayloadHash, &r.ParentRevHash, &r.RevHash, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateTask implements Store. Idempotency matches on client_token alone;
// the original task wins even when the re-submit carries a different
// payload.
func (p *Postgres) CreateTask(ctx context.Context, params SubmitParams) (*models.Task, *models.TaskRevision, bool, error) {
	exists, err := p.PoolExists(ctx, params.Pool)
	if err != nil {
		return nil, nil, false, err
	}
	if !exists {
		return nil, nil, false, ErrPoolMissing
	}

	if params.ClientToken != nil {
		task, rev, err := p.getTaskByToken(ctx, *params.ClientToken)
		if err == nil {
			return task, rev, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, nil, false, err
		}
	}

	task, rev, err := p.insertTask(ctx, params)
	if err != nil {
		if isUniqueViolation(err) && params.ClientToken != nil {
			// Lost the race against a concurrent submit with the same
			// token; the winner's row is the canonical one.
			task, rev, err := p.getTaskByToken(ctx, *params.ClientToken)
			return task, rev, false, err
		}
		return nil, nil, false, err
	}
	return task, rev, true, nil
}

func (p *Postgres) getTaskByToken(ctx context.Context, token string) (*models.Task, *models.TaskRevision, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE client_token = $1`, token)
	task, err := scanTask(row)
	if err != nil {
		return nil, nil, err
	}
	rev, err := p.latestRevision(ctx, p.pool, task.ID)
	if err != nil {
		return nil, nil, err
	}
	return task, rev, nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (p *Postgres) latestRevision(ctx context.Context, q queryer, taskID uuid.UUID) (*models.TaskRevision, error) {
	row := q.QueryRow(ctx, `
		SELECT `+revisionColumns+`
		FROM task_revisions WHERE task_id = $1
		ORDER BY seq DESC LIMIT 1`, taskID)
	return scanRevision(row)
}

func (p *Postgres) insertTask(ctx context.Context, params SubmitParams) (*models.Task, *models.TaskRevision, error) {
	canonical, err := revision.Canonicalize(firstRevisionPatch(params))
	if err != nil {
		return nil, nil, err
	}
	payloadHash := revision.PayloadHash(canonical)
	revHash := revision.ChainHash("", payloadHash)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	task := &models.Task{
		ID:           uuid.New(),
		Kind:         params.Kind,
		Pool:         params.Pool,
		Args:         params.Args,
		Status:       models.TaskQueued,
		Attempt:      1,
		ParentTaskID: params.ParentTaskID,
		DesignHash:   params.DesignHash,
		PlanHash:     params.PlanHash,
		ClientToken:  params.ClientToken,
		Deadline:     params.Deadline,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO tasks (id, kind, pool, args, status, attempt, parent_task_id, design_hash, plan_hash, client_token, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		task.ID, task.Kind, task.Pool, task.Args, task.Status, task.Attempt,
		task.ParentTaskID, task.DesignHash, task.PlanHash, task.ClientToken, task.Deadline,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}

	rev := &models.TaskRevision{
		TaskID:      task.ID,
		Seq:         1,
		Payload:     revision.EncodePayload(canonical),
		PayloadHash: payloadHash,
		RevHash:     revHash,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO task_revisions (task_id, seq, payload, payload_hash, parent_rev_hash, rev_hash)
		VALUES ($1, 1, $2, $3, NULL, $4)
		RETURNING created_at`,
		rev.TaskID, rev.Payload, rev.PayloadHash, rev.RevHash,
	).Scan(&rev.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("store: commit task insert: %w", err)
	}
	return task, rev, nil
}

// AppendRevision implements Store. The task row is locked for the duration
// of the transaction; the unique (task_id, seq) constraint is the backstop
// against writers racing outside the lock.
func (p *Postgres) AppendRevision(ctx context.Context, taskID uuid.UUID, patch json.RawMessage, parentRevHash string) (*models.TaskRevision, error) {
	canonical, err := revision.Canonicalize(patch)
	if err != nil {
		return nil, err
	}
	parsed, err := ParsePatch(canonical)
	if err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	if err != nil {
		return nil, err
	}
	head, err := p.latestRevision(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if parentRevHash != head.RevHash {
		return nil, ErrHashMismatch
	}

	payloadHash := revision.PayloadHash(canonical)
	rev := &models.TaskRevision{
		TaskID:        taskID,
		Seq:           head.Seq + 1,
		Payload:       revision.EncodePayload(canonical),
		PayloadHash:   payloadHash,
		ParentRevHash: head.RevHash,
		RevHash:       revision.ChainHash(head.RevHash, payloadHash),
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO task_revisions (task_id, seq, payload, payload_hash, parent_rev_hash, rev_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		rev.TaskID, rev.Seq, rev.Payload, rev.PayloadHash, rev.ParentRevHash, rev.RevHash,
	).Scan(&rev.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrHashMismatch
		}
		return nil, err
	}

	now := time.Now().UTC()
	parsed.Apply(task, now)
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $2, worker_id = $3, attempt = $4, updated_at = $5
		WHERE id = $1`,
		task.ID, task.Status, task.WorkerID, task.Attempt, task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit revision append: %w", err)
	}
	return rev, nil
}

// GetTask implements Store.
func (p *Postgres) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, *models.TaskRevision, error) {
	task, err := scanTask(p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, nil, err
	}
	rev, err := p.latestRevision(ctx, p.pool, id)
	if err != nil {
		return nil, nil, err
	}
	return task, rev, nil
}

// ListRevisions implements Store.
func (p *Postgres) ListRevisions(ctx context.Context, taskID uuid.UUID) ([]models.TaskRevision, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+revisionColumns+`
		FROM task_revisions WHERE task_id = $1 ORDER BY seq`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TaskRevision
	for rows.Next() {
		var r models.TaskRevision
		if err := rows.Scan(&r.TaskID, &r.Seq, &r.Payload, &r.PayloadHash, &r.ParentRevHash, &r.RevHash, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (p *Postgres) queryTasks(ctx context.Context, sql string, args ...interface{}) ([]models.Task, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		var t models.Task
		err := rows.Scan(
			&t.ID, &t.Kind, &t.Pool, &t.Args, &t.Status, &t.Attempt, &t.WorkerID,
			&t.ParentTaskID, &t.DesignHash, &t.PlanHash, &t.ClientToken,
			&t.Deadline, &t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListRunningByWorker implements Store.
func (p *Postgres) ListRunningByWorker(ctx context.Context, workerID uuid.UUID) ([]models.Task, error) {
	return p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND worker_id = $1
		ORDER BY created_at`, workerID)
}

// ListRunningPastDeadline implements Store.
func (p *Postgres) ListRunningPastDeadline(ctx context.Context, now time.Time) ([]models.Task, error) {
	return p.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND deadline < $1
		ORDER BY created_at`, now)
}

// CreateWorker implements Store.
func (p *Postgres) CreateWorker(ctx context.Context, w *models.Worker) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.LastSeenAt.IsZero() {
		w.LastSeenAt = time.Now().UTC()
	}
	return p.pool.QueryRow(ctx, `
		INSERT INTO workers (id, pool, endpoint, capabilities, fingerprint, status, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		w.ID, w.Pool, w.Endpoint, w.Capabilities, w.Fingerprint, w.Status, w.LastSeenAt,
	).Scan(&w.CreatedAt)
}

const workerColumns = `id, pool, endpoint, capabilities, fingerprint, status, last_seen_at, created_at`

func scanWorker(row pgx.Row) (*models.Worker, error) {
	var w models.Worker
	err := row.Scan(&w.ID, &w.Pool, &w.Endpoint, &w.Capabilities, &w.Fingerprint, &w.Status, &w.LastSeenAt, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWorker implements Store.
func (p *Postgres) GetWorker(ctx context.Context, id uuid.UUID) (*models.Worker, error) {
	return scanWorker(p.pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id))
}

func (p *Postgres) queryWorkers(ctx context.Context, sql string, args ...interface{}) ([]*models.Worker, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Worker
	for rows.Next() {
		var w models.Worker
		if err := rows.Scan(&w.ID, &w.Pool, &w.Endpoint, &w.Capabilities, &w.Fingerprint, &w.Status, &w.LastSeenAt, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ListWorkers implements Store.
func (p *Postgres) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	return p.queryWorkers(ctx, `
		SELECT `+workerColumns+` FROM workers WHERE status <> 'evicted' ORDER BY id`)
}

// ListWorkersByPool implements Store.
func (p *Postgres) ListWorkersByPool(ctx context.Context, pool string) ([]*models.Worker, error) {
	return p.queryWorkers(ctx, `
		SELECT `+workerColumns+` FROM workers WHERE pool = $1 AND status <> 'evicted' ORDER BY id`, pool)
}

// TouchWorker implements Store.
func (p *Postgres) TouchWorker(ctx context.Context, id uuid.UUID, status models.WorkerStatus, seenAt time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE workers SET status = $2, last_seen_at = $3 WHERE id = $1`, id, status, seenAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetWorkerStatus implements Store.
func (p *Postgres) SetWorkerStatus(ctx context.Context, id uuid.UUID, status models.WorkerStatus) error {
	tag, err := p.pool.Exec(ctx, `UPDATE workers SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PoolExists implements Store.
func (p *Postgres) PoolExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pools WHERE name = $1)`, name).Scan(&exists)
	return exists, err
}

// EnsurePool implements Store.
func (p *Postgres) EnsurePool(ctx context.Context, name, tenantSlug string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var tenantID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO tenants (id, slug) VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING id`, uuid.New(), tenantSlug).Scan(&tenantID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO pools (name, tenant_id) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`, name, tenantID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AddPublicKey implements Store.
func (p *Postgres) AddPublicKey(ctx context.Context, k *models.PublicKey) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO public_keys (fingerprint, armored, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (fingerprint) DO UPDATE SET fingerprint = EXCLUDED.fingerprint
		RETURNING created_at`,
		k.Fingerprint, k.Armored, k.Role,
	).Scan(&k.CreatedAt)
}

// GetPublicKey implements Store.
func (p *Postgres) GetPublicKey(ctx context.Context, fingerprint string) (*models.PublicKey, error) {
	var k models.PublicKey
	err := p.pool.QueryRow(ctx, `
		SELECT fingerprint, armored, role, created_at FROM public_keys WHERE fingerprint = $1`,
		fingerprint,
	).Scan(&k.Fingerprint, &k.Armored, &k.Role, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// PutSecret implements Store.
func (p *Postgres) PutSecret(ctx context.Context, s *models.Secret) error {
	var tenantID uuid.UUID
	err := p.pool.QueryRow(ctx, `SELECT tenant_id FROM pools WHERE name = $1`, s.Pool).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPoolMissing
	}
	if err != nil {
		return err
	}
	s.TenantID = tenantID

	wrapped, err := json.Marshal(s.WrappedKeys)
	if err != nil {
		return fmt.Errorf("store: encode wrapped keys: %w", err)
	}
	return p.pool.QueryRow(ctx, `
		INSERT INTO secrets (pool, name, tenant_id, ciphertext, wrapped_keys)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pool, name) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext, wrapped_keys = EXCLUDED.wrapped_keys
		RETURNING created_at`,
		s.Pool, s.Name, s.TenantID, s.Ciphertext, wrapped,
	).Scan(&s.CreatedAt)
}

// GetSecret implements Store.
func (p *Postgres) GetSecret(ctx context.Context, pool, name string) (*models.Secret, error) {
	var s models.Secret
	var wrapped []byte
	err := p.pool.QueryRow(ctx, `
		SELECT pool, name, tenant_id, ciphertext, wrapped_keys, created_at
		FROM secrets WHERE pool = $1 AND name = $2`, pool, name,
	).Scan(&s.Pool, &s.Name, &s.TenantID, &s.Ciphertext, &wrapped, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(wrapped, &s.WrappedKeys); err != nil {
		return nil, fmt.Errorf("store: decode wrapped keys: %w", err)
	}
	return &s, nil
}

// DeleteSecret implements Store.
func (p *Postgres) DeleteSecret(ctx context.Context, pool, name string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM secrets WHERE pool = $1 AND name = $2`, pool, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertManifest implements Store.
func (p *Postgres) UpsertManifest(ctx context.Context, m *models.Manifest) error {
	return p.pool.QueryRow(ctx, `
		INSERT INTO manifest (hash, kind, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash
		RETURNING created_at`,
		m.Hash, m.Kind, m.Content,
	).Scan(&m.CreatedAt)
}

// GetManifest implements Store.
func (p *Postgres) GetManifest(ctx context.Context, hash string) (*models.Manifest, error) {
	var m models.Manifest
	err := p.pool.QueryRow(ctx, `
		SELECT hash, kind, content, created_at FROM manifest WHERE hash = $1`, hash,
	).Scan(&m.Hash, &m.Kind, &m.Content, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AddEvaluationResults implements Store.
func (p *Postgres) AddEvaluationResults(ctx context.Context, rows []models.EvaluationResult) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO evaluation_results (task_id, evaluator_name, metric, unit, value)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (task_id, evaluator_name, metric) DO NOTHING`,
			row.TaskID, row.EvaluatorName, row.Metric, row.Unit, row.Value,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListEvaluationResults implements Store.
func (p *Postgres) ListEvaluationResults(ctx context.Context, taskID uuid.UUID) ([]models.EvaluationResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT task_id, evaluator_name, metric, unit, value, created_at
		FROM evaluation_results WHERE task_id = $1
		ORDER BY evaluator_name, metric`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EvaluationResult
	for rows.Next() {
		var r models.EvaluationResult
		if err := rows.Scan(&r.TaskID, &r.EvaluatorName, &r.Metric, &r.Unit, &r.Value, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements Store.
func (p *Postgres) Close() {
	p.pool.Close()
}
