// Package gateway wires the control plane together: the JSON-RPC surface,
// the per-pool dispatcher and watchdog, the WebSocket fan-out, and the
// HTTP router. One App instance backs one gateway process.
package gateway

import (
	"context"
	"crypto/ed25519"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peagen-io/peagen/internal/config"
	"github.com/peagen-io/peagen/internal/dispatch"
	"github.com/peagen-io/peagen/internal/keys"
	"github.com/peagen-io/peagen/internal/middleware"
	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/queue"
	"github.com/peagen-io/peagen/internal/rpc"
	"github.com/peagen-io/peagen/internal/store"
	"github.com/peagen-io/peagen/internal/ws"
)

// App owns the gateway's long-lived components.
type App struct {
	cfg        *config.Config
	store      store.Store
	queue      queue.Queue
	hub        *ws.Hub
	bridge     *ws.Bridge
	dispatcher *dispatch.Dispatcher
	watchdog   *dispatch.Watchdog
	work       dispatch.WorkClient
	handler    *rpc.Handler
	validate   *validator.Validate
	logger     *slog.Logger

	draining atomic.Bool
	gate     admissionGate
}

// Option customises an App.
type Option func(*App)

// WithWorkClient substitutes the worker-facing RPC client, e.g. for tests.
func WithWorkClient(wc dispatch.WorkClient) Option {
	return func(a *App) { a.work = wc }
}

// New builds the gateway from an opened store and queue. Background loops
// start on Run.
func New(cfg *config.Config, st store.Store, q queue.Queue, logger *slog.Logger, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		store:    st,
		queue:    q,
		hub:      ws.NewHub(),
		validate: validator.New(),
		logger:   logger,
		gate:     admissionGate{closed: make(map[string]bool)},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.work == nil {
		a.work = dispatch.NewRPCWorkClient(nil)
	}

	a.bridge = ws.NewBridge(a.hub, q, logger)
	a.dispatcher = dispatch.New(st, q, a.work, dispatch.Config{
		PollTimeout: cfg.Dispatch.PollTimeout,
		Backoff:     cfg.Dispatch.Backoff,
		StaleAfter:  cfg.Heartbeat.StaleAfter,
		EvictAfter:  cfg.Heartbeat.EvictAfter,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}, logger)
	a.watchdog = dispatch.NewWatchdog(a.dispatcher, cfg.Heartbeat.Interval, logger)

	a.handler = rpc.NewHandler(logger, a.resolveKey)
	a.registerMethods()
	return a
}

// registerMethods binds the RPC surface. Secret methods require a signed
// request; everything else accepts unsigned calls so key registration can
// bootstrap.
func (a *App) registerMethods() {
	a.handler.RegisterOpen("Task.submit", a.taskSubmit)
	a.handler.RegisterOpen("Task.update", a.taskUpdate)
	a.handler.RegisterOpen("Task.get", a.taskGet)
	a.handler.RegisterOpen("Task.history", a.taskHistory)
	a.handler.RegisterOpen("Task.cancel", a.taskCancel)

	a.handler.RegisterOpen("Worker.register", a.workerRegister)
	a.handler.RegisterOpen("Worker.heartbeat", a.workerHeartbeat)
	a.handler.RegisterOpen("Work.finished", a.workFinished)

	a.handler.RegisterOpen("PublicKey.upload", a.publicKeyUpload)

	a.handler.Register("Secret.add", a.secretAdd)
	a.handler.Register("Secret.get", a.secretGet)
	a.handler.Register("Secret.remove", a.secretRemove)
}

// resolveKey looks up a registered signing key by fingerprint. Encryption
// keys cannot sign requests and resolve as unknown.
func (a *App) resolveKey(ctx context.Context, fingerprint string) (ed25519.PublicKey, error) {
	row, err := a.store.GetPublicKey(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pk, err := keys.ParseArmored(row.Armored)
	if err != nil {
		return nil, err
	}
	return pk.Signing, nil
}

// Run starts the hub, bridge, dispatcher, and watchdog. All loops stop
// when ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	go a.hub.Run(ctx)
	go a.bridge.Run(ctx)
	go a.dispatcher.Run(ctx, a.pools())
	go a.watchdog.Run(ctx)
}

// BeginDrain flips the gateway into drain mode: new submissions are
// refused while in-flight work completes.
func (a *App) BeginDrain() {
	a.draining.Store(true)
	a.logger.Info("drain started, refusing new submissions")
}

func (a *App) pools() []string {
	seen := map[string]bool{models.DefaultPool: true}
	out := []string{models.DefaultPool}
	for _, p := range a.cfg.Pools {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Handler exposes the RPC handler, e.g. for in-process tests.
func (a *App) Handler() *rpc.Handler { return a.handler }

// Router builds the HTTP surface: /rpc, /ws/tasks, /health, /ready,
// /metrics.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Post("/rpc", a.handler.ServeHTTP)
	r.Get("/ws/tasks", a.serveWS)
	r.Get("/health", a.handleHealth)
	r.Get("/ready", a.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReady degrades to 503 on storage or queue outage instead of
// crashing the process.
func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.logger.Warn("readiness check failed: store", "error", err)
		http.Error(w, `{"status":"storage unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	if _, err := a.queue.Depth(r.Context(), models.DefaultPool); err != nil {
		a.logger.Warn("readiness check failed: queue", "error", err)
		http.Error(w, `{"status":"queue unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// admissionGate applies watermark hysteresis per pool: submission closes
// at the high watermark and reopens only once depth falls to the low one.
type admissionGate struct {
	mu     sync.Mutex
	closed map[string]bool
}

func (g *admissionGate) admit(pool string, depth, high, low int64) bool {
	if high <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed[pool] {
		if depth <= low {
			g.closed[pool] = false
			return true
		}
		return false
	}
	if depth >= high {
		g.closed[pool] = true
		return false
	}
	return true
}
