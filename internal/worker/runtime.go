package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/peagen-io/peagen/internal/keys"
	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/queue"
	"github.com/peagen-io/peagen/internal/rpc"
	"github.com/peagen-io/peagen/internal/vcs"
)

// Config holds the worker daemon settings.
type Config struct {
	// GatewayURL is the gateway /rpc endpoint.
	GatewayURL string
	// Endpoint is this worker's advertised /rpc URL for reverse calls.
	Endpoint string
	// Pool is the dispatch domain to register into.
	Pool string
	// StateDir persists the assigned worker id across restarts so the
	// gateway matches the existing record instead of creating a new one.
	StateDir string
	// HeartbeatInterval paces Worker.heartbeat calls.
	HeartbeatInterval time.Duration
	// Concurrency is the local handler pool size.
	Concurrency int
	// QueueSize bounds accepted-but-not-started work. A full queue makes
	// Work.start answer worker_unavailable.
	QueueSize int
	// ArtifactRoot is passed through to handlers untouched; the runtime
	// never interprets it.
	ArtifactRoot string
}

func (c Config) withDefaults() Config {
	if c.Pool == "" {
		c.Pool = models.DefaultPool
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	return c
}

type registerParams struct {
	WorkerID     *uuid.UUID `json:"worker_id,omitempty"`
	Endpoint     string     `json:"endpoint"`
	Pool         string     `json:"pool"`
	Capabilities []string   `json:"capabilities"`
	PublicKey    string     `json:"public_key,omitempty"`
}

type registerResult struct {
	WorkerID uuid.UUID `json:"worker_id"`
}

type heartbeatParams struct {
	WorkerID uuid.UUID           `json:"worker_id"`
	Status   models.WorkerStatus `json:"status"`
}

// finishedParams mirrors the gateway's Work.finished parameters.
type finishedParams struct {
	TaskID    uuid.UUID         `json:"task_id"`
	WorkerID  uuid.UUID         `json:"worker_id"`
	Status    models.TaskStatus `json:"status"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

type workerState struct {
	WorkerID uuid.UUID `json:"worker_id"`
}

func stateFilePath(dir string) string {
	return filepath.Join(dir, "worker-state.json")
}

func loadState(dir string) (workerState, error) {
	data, err := os.ReadFile(stateFilePath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return workerState{}, nil
		}
		return workerState{}, fmt.Errorf("worker: read state file: %w", err)
	}
	var s workerState
	if err := json.Unmarshal(data, &s); err != nil {
		return workerState{}, fmt.Errorf("worker: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes atomically via temp file + rename.
func saveState(dir string, s workerState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("worker: encode state: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("worker: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "worker-state.*.tmp")
	if err != nil {
		return fmt.Errorf("worker: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("worker: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("worker: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(dir)); err != nil {
		return fmt.Errorf("worker: rename state file: %w", err)
	}
	ok = true
	return nil
}

// Runtime is the worker daemon. Construct with New, call Start, mount
// RPCHandler under /rpc.
type Runtime struct {
	cfg      Config
	registry *Registry
	gateway  *rpc.Client
	identity *keys.Identity
	repo     vcs.Repository
	secrets  SecretSource
	logger   *slog.Logger

	workerID uuid.UUID
	jobs     chan *queue.Envelope
	active   atomic.Int64

	cancelMu sync.Mutex
	cancels  map[uuid.UUID]context.CancelFunc
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithIdentity supplies the X25519 identity used to unwrap secrets. Without
// it handlers get no SecretSource.
func WithIdentity(id *keys.Identity) Option {
	return func(r *Runtime) { r.identity = id }
}

// WithRepository supplies the version-control surface handed to handlers.
func WithRepository(repo vcs.Repository) Option {
	return func(r *Runtime) { r.repo = repo }
}

// New creates a Runtime around a gateway client and a handler registry.
func New(cfg Config, registry *Registry, gateway *rpc.Client, logger *slog.Logger, opts ...Option) *Runtime {
	cfg = cfg.withDefaults()
	r := &Runtime{
		cfg:      cfg,
		registry: registry,
		gateway:  gateway,
		logger:   logger,
		jobs:     make(chan *queue.Envelope, cfg.QueueSize),
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.identity != nil {
		r.secrets = NewGatewaySecrets(gateway, cfg.Pool, r.identity)
	}
	return r
}

// WorkerID returns the id assigned at registration.
func (r *Runtime) WorkerID() uuid.UUID { return r.workerID }

// Start registers with the gateway and launches the heartbeat loop and the
// handler pool. It returns once registration succeeds; the loops run until
// ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	go r.heartbeatLoop(ctx)
	for i := 0; i < r.cfg.Concurrency; i++ {
		go r.executorLoop(ctx)
	}
	r.logger.Info("worker started",
		"worker_id", r.workerID,
		"pool", r.cfg.Pool,
		"capabilities", r.registry.Kinds(),
	)
	return nil
}

func (r *Runtime) register(ctx context.Context) error {
	params := registerParams{
		Endpoint:     r.cfg.Endpoint,
		Pool:         r.cfg.Pool,
		Capabilities: r.registry.Kinds(),
	}
	if r.cfg.StateDir != "" {
		state, err := loadState(r.cfg.StateDir)
		if err != nil {
			r.logger.Warn("ignoring unreadable state file", "error", err)
		} else if state.WorkerID != uuid.Nil {
			params.WorkerID = &state.WorkerID
		}
	}
	if r.identity != nil {
		params.PublicKey = r.identity.Armored()
	}

	var res registerResult
	if err := r.gateway.Call(ctx, "Worker.register", params, &res); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}
	r.workerID = res.WorkerID

	if r.cfg.StateDir != "" {
		if err := saveState(r.cfg.StateDir, workerState{WorkerID: res.WorkerID}); err != nil {
			r.logger.Warn("persisting worker id failed", "error", err)
		}
	}
	return nil
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := models.WorkerIdle
			if r.active.Load() > 0 {
				status = models.WorkerBusy
			}
			err := r.gateway.Call(ctx, "Worker.heartbeat", heartbeatParams{
				WorkerID: r.workerID,
				Status:   status,
			}, nil)
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// RPCHandler builds the reverse /rpc surface the dispatcher calls into.
func (r *Runtime) RPCHandler() *rpc.Handler {
	h := rpc.NewHandler(r.logger, nil)
	h.RegisterOpen("Work.start", r.handleStart)
	h.RegisterOpen("Work.cancel", r.handleCancel)
	return h
}

// handleStart accepts an envelope and returns immediately; execution is
// asynchronous and completion arrives at the gateway via Work.finished.
func (r *Runtime) handleStart(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var env queue.Envelope
	if err := json.Unmarshal(params, &env); err != nil {
		return nil, rpc.ErrInvalidParams("invalid envelope")
	}
	if _, ok := r.registry.Get(env.Kind); !ok {
		return nil, rpc.ErrInvalidParams(fmt.Sprintf("no handler for kind %q", env.Kind))
	}
	select {
	case r.jobs <- &env:
		return map[string]bool{"accepted": true}, nil
	default:
		return nil, rpc.ErrWorkerUnavailable("local queue full")
	}
}

// handleCancel signals the running handler. Advisory: a handler that does
// not honour ctx finishes normally and the gateway records a late,
// informational revision.
func (r *Runtime) handleCancel(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
	var p struct {
		TaskID uuid.UUID `json:"task_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.ErrInvalidParams("invalid cancel params")
	}
	r.cancelMu.Lock()
	cancel, ok := r.cancels[p.TaskID]
	r.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return map[string]bool{"cancelled": ok}, nil
}

func (r *Runtime) executorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.jobs:
			r.execute(ctx, env)
		}
	}
}

func (r *Runtime) execute(ctx context.Context, env *queue.Envelope) {
	logger := r.logger.With("task_id", env.TaskID, "kind", env.Kind)
	handler, ok := r.registry.Get(env.Kind)
	if !ok {
		r.report(ctx, finishedParams{
			TaskID:   env.TaskID,
			WorkerID: r.workerID,
			Status:   models.TaskFailed,
			Reason:   "no handler",
		}, logger)
		return
	}

	// cancel is what Work.cancel triggers; the deadline context derives
	// from it so both paths stop the handler.
	jobCtx, cancel := context.WithCancel(ctx)
	if !env.Deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		jobCtx, cancelDeadline = context.WithDeadline(jobCtx, env.Deadline)
		defer cancelDeadline()
	}
	r.cancelMu.Lock()
	r.cancels[env.TaskID] = cancel
	r.cancelMu.Unlock()
	r.active.Add(1)
	defer func() {
		cancel()
		r.cancelMu.Lock()
		delete(r.cancels, env.TaskID)
		r.cancelMu.Unlock()
		r.active.Add(-1)
	}()

	logger.Info("handler started", "attempt", env.Attempt)
	result, err := handler(jobCtx, Job{
		TaskID:       env.TaskID,
		Kind:         env.Kind,
		Args:         env.Args,
		Attempt:      env.Attempt,
		Secrets:      r.secrets,
		Repo:         r.repo,
		ArtifactRoot: r.cfg.ArtifactRoot,
	})

	report := finishedParams{
		TaskID:    env.TaskID,
		WorkerID:  r.workerID,
		Status:    models.TaskSucceeded,
		Result:    result.Result,
		Artifacts: result.Artifacts,
	}
	switch {
	case err == nil:
		logger.Info("handler succeeded")
	case jobCtx.Err() != nil:
		report.Status = models.TaskCancelled
		report.Reason = "cancelled"
		logger.Info("handler cancelled")
	default:
		report.Status = models.TaskFailed
		report.Reason = err.Error()
		logger.Warn("handler failed", "error", err)
	}
	r.report(ctx, report, logger)
}

// report calls Work.finished with retries; the gateway deduplicates late
// or repeated reports through the revision chain.
func (r *Runtime) report(ctx context.Context, params finishedParams, logger *slog.Logger) {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		err := r.gateway.Call(ctx, "Work.finished", params, nil)
		if err == nil {
			return
		}
		if attempt >= 3 || ctx.Err() != nil {
			logger.Error("reporting completion failed", "error", err)
			return
		}
		logger.Warn("retrying completion report", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
