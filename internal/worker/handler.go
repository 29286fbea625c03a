// Package worker implements the task-executor daemon: registration and
// heartbeat against the gateway, the reverse /rpc surface accepting
// Work.start and Work.cancel, a bounded local execution pool, and the
// Work.finished callback. The actual business logic of each task kind
// lives in handlers registered with a Registry.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/peagen-io/peagen/internal/vcs"
)

// Job is what a handler receives: the envelope contents plus the views it
// needs to do its work.
type Job struct {
	TaskID  uuid.UUID
	Kind    string
	Args    json.RawMessage
	Attempt int
	// Secrets resolves named secrets scoped to the worker's pool.
	Secrets SecretSource
	// Repo is the version-control surface for artifact commits.
	Repo vcs.Repository
	// ArtifactRoot is the opaque URI prefix under which handlers place
	// their artifacts.
	ArtifactRoot string
}

// Result is what a handler returns on success.
type Result struct {
	// Result is arbitrary JSON recorded on the final revision.
	Result json.RawMessage
	// Artifacts are URIs referencing external storage; the core never
	// stores artifact bytes.
	Artifacts []string
}

// Handler executes one task kind. It must honour ctx cancellation.
type Handler func(ctx context.Context, job Job) (Result, error)

// Registry maps task kinds to handlers. The registered kinds become the
// worker's advertised capabilities.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to kind. Duplicate kinds panic, mirroring the
// backend registries: both are programming errors caught at startup.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("worker: duplicate handler for kind %q", kind))
	}
	r.handlers[kind] = h
}

// Get returns the handler for kind.
func (r *Registry) Get(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds lists the registered kinds in stable order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
