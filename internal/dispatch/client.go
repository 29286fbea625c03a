// Package dispatch runs the gateway side of work distribution: per-pool
// dispatch loops that match queued envelopes to registered workers, and
// the watchdog that handles deadlines, stale heartbeats, and eviction.
package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/peagen-io/peagen/internal/queue"
	"github.com/peagen-io/peagen/internal/rpc"
)

// WorkClient issues the reverse JSON-RPC calls a gateway makes to worker
// endpoints. Tests substitute a fake.
type WorkClient interface {
	// StartWork hands an envelope to the worker. The worker must accept
	// immediately and execute asynchronously.
	StartWork(ctx context.Context, endpoint string, env *queue.Envelope) error
	// CancelWork asks the worker to stop a running task. Advisory.
	CancelWork(ctx context.Context, endpoint string, taskID uuid.UUID) error
}

// CancelParams is the Work.cancel parameter payload.
type CancelParams struct {
	TaskID uuid.UUID `json:"task_id"`
}

// RPCWorkClient is the production WorkClient, one cached rpc client per
// worker endpoint.
type RPCWorkClient struct {
	mu      sync.Mutex
	clients map[string]*rpc.Client
	signer  rpc.Signer
}

// NewRPCWorkClient creates a client pool. signer may be nil when the
// deployment does not sign gateway-to-worker calls.
func NewRPCWorkClient(signer rpc.Signer) *RPCWorkClient {
	return &RPCWorkClient{clients: make(map[string]*rpc.Client), signer: signer}
}

func (c *RPCWorkClient) client(endpoint string) *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[endpoint]; ok {
		return cl
	}
	var opts []rpc.ClientOption
	if c.signer != nil {
		opts = append(opts, rpc.WithSigner(c.signer))
	}
	cl := rpc.NewClient(endpoint, opts...)
	c.clients[endpoint] = cl
	return cl
}

// StartWork implements WorkClient.
func (c *RPCWorkClient) StartWork(ctx context.Context, endpoint string, env *queue.Envelope) error {
	return c.client(endpoint).Call(ctx, "Work.start", env, nil)
}

// CancelWork implements WorkClient.
func (c *RPCWorkClient) CancelWork(ctx context.Context, endpoint string, taskID uuid.UUID) error {
	return c.client(endpoint).Call(ctx, "Work.cancel", CancelParams{TaskID: taskID}, nil)
}
