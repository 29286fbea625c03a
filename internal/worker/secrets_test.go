package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peagen-io/peagen/internal/keys"
	"github.com/peagen-io/peagen/internal/models"
	"github.com/peagen-io/peagen/internal/rpc"
	"github.com/peagen-io/peagen/internal/vault"
)

func TestGatewaySecretsRoundTrip(t *testing.T) {
	identity, err := keys.GenerateIdentity()
	require.NoError(t, err)
	other, err := keys.GenerateIdentity()
	require.NoError(t, err)

	plaintext := []byte("registry-password")
	ciphertext, wrapped, err := vault.Seal(plaintext, []vault.Recipient{
		{Fingerprint: identity.Fingerprint(), Key: identity.Public},
		{Fingerprint: other.Fingerprint(), Key: other.Public},
	})
	require.NoError(t, err)

	h := rpc.NewHandler(slog.New(slog.DiscardHandler), nil)
	h.RegisterOpen("Secret.get", func(ctx context.Context, params json.RawMessage) (interface{}, *rpc.Error) {
		var p secretGetParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpc.ErrInvalidParams(err.Error())
		}
		if p.Name != "registry" {
			return nil, rpc.ErrNotFound("no such secret")
		}
		return secretGetResult{
			Name:        p.Name,
			Pool:        p.Pool,
			Ciphertext:  ciphertext,
			WrappedKeys: wrapped,
		}, nil
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	src := NewGatewaySecrets(rpc.NewClient(srv.URL), models.DefaultPool, identity)
	got, err := src.Get(context.Background(), "registry")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	_, err = src.Get(context.Background(), "missing")
	assert.Error(t, err)

	// An identity that is not a recipient cannot unwrap.
	stranger, err := keys.GenerateIdentity()
	require.NoError(t, err)
	strangerSrc := NewGatewaySecrets(rpc.NewClient(srv.URL), models.DefaultPool, stranger)
	_, err = strangerSrc.Get(context.Background(), "registry")
	assert.Error(t, err)
}
