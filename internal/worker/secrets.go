package worker

import (
	"context"
	"fmt"

	"github.com/peagen-io/peagen/internal/keys"
	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/rpc"
	"github.com/peagen-io/peagen/internal/vault"
)

// SecretSource resolves named secrets for handlers. Plaintext lives only
// in handler memory; it is never logged or persisted by the runtime.
type SecretSource interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// secretGetParams mirrors the gateway's Secret.get parameters.
type secretGetParams struct {
	Pool string `json:"pool"`
	Name string `json:"name"`
}

// secretGetResult mirrors the gateway's Secret.get result.
type secretGetResult struct {
	Name        string              `json:"name"`
	Pool        string              `json:"pool"`
	Ciphertext  []byte              `json:"ciphertext"`
	WrappedKeys []models.WrappedKey `json:"wrapped_keys"`
}

// gatewaySecrets fetches envelopes from the gateway and unwraps them with
// the worker's X25519 identity.
type gatewaySecrets struct {
	client   *rpc.Client
	pool     string
	identity *keys.Identity
}

// NewGatewaySecrets builds a SecretSource for one pool. The rpc client
// must sign its requests with a registered key, since Secret.get refuses
// unsigned calls.
func NewGatewaySecrets(client *rpc.Client, pool string, identity *keys.Identity) SecretSource {
	return &gatewaySecrets{client: client, pool: pool, identity: identity}
}

// Get implements SecretSource.
func (s *gatewaySecrets) Get(ctx context.Context, name string) ([]byte, error) {
	var res secretGetResult
	err := s.client.Call(ctx, "Secret.get", secretGetParams{Pool: s.pool, Name: name}, &res)
	if err != nil {
		return nil, fmt.Errorf("worker: fetch secret %q: %w", name, err)
	}

	fp := s.identity.Fingerprint()
	for _, wk := range res.WrappedKeys {
		if wk.Fingerprint == fp {
			return vault.Open(res.Ciphertext, wk, s.identity)
		}
	}
	return nil, fmt.Errorf("worker: secret %q is not addressed to this worker", name)
}
