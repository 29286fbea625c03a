package rpc

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peagen-io/peagen/internal/keys"
)

type echoParams struct {
	Value string `json:"value"`
}

func newEchoHandler(t *testing.T, resolver KeyResolver) *Handler {
	t.Helper()
	h := NewHandler(nil, resolver)
	h.RegisterOpen("Test.echo", func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		var p echoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ErrInvalidParams(err.Error())
		}
		return map[string]string{"value": p.Value, "caller": Caller(ctx)}, nil
	})
	h.Register("Test.protected", func(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
		return map[string]string{"caller": Caller(ctx)}, nil
	})
	return h
}

func call(t *testing.T, h *Handler, c *Client, method string, params, out interface{}) error {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()
	if c == nil {
		c = NewClient(srv.URL)
	} else {
		c.endpoint = srv.URL
	}
	return c.Call(context.Background(), method, params, out)
}

func TestEchoRoundTrip(t *testing.T) {
	h := newEchoHandler(t, nil)
	var out map[string]string
	err := call(t, h, nil, "Test.echo", echoParams{Value: "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["value"])
	assert.Empty(t, out["caller"])
}

func TestMethodNotFound(t *testing.T) {
	h := newEchoHandler(t, nil)
	err := call(t, h, nil, "No.such", nil, nil)
	require.Error(t, err)
	assert.Equal(t, CodeMethodNotFound, CodeOf(err))
}

func TestInvalidVersionRejected(t *testing.T) {
	h := newEchoHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := postJSON(t, srv.URL, `{"jsonrpc":"1.0","method":"Test.echo","id":1}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestParseErrorRejected(t *testing.T) {
	h := newEchoHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := postJSON(t, srv.URL, `{"jsonrpc":`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParse, resp.Error.Code)
}

func TestBatchDispatch(t *testing.T) {
	h := newEchoHandler(t, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	body := `[{"jsonrpc":"2.0","method":"Test.echo","params":{"value":"a"},"id":1},
	          {"jsonrpc":"2.0","method":"No.such","id":2}]`
	resps := postBatch(t, srv.URL, body)
	require.Len(t, resps, 2)
	assert.Nil(t, resps[0].Error)
	require.NotNil(t, resps[1].Error)
	assert.Equal(t, CodeMethodNotFound, resps[1].Error.Code)
}

func TestSignedRequestVerified(t *testing.T) {
	signer, armored, err := keys.GenerateSigner()
	require.NoError(t, err)
	pub, err := keys.ParseArmored(armored)
	require.NoError(t, err)

	resolver := func(ctx context.Context, fingerprint string) (ed25519.PublicKey, error) {
		if fingerprint == signer.Fingerprint() {
			return pub.Signing, nil
		}
		return nil, nil
	}
	h := newEchoHandler(t, resolver)

	// Unsigned call to a protected method is rejected.
	err = call(t, h, nil, "Test.protected", nil, nil)
	require.Error(t, err)
	assert.Equal(t, CodeUnauthorized, CodeOf(err))

	// Unsigned call to an open method is fine.
	var out map[string]string
	require.NoError(t, call(t, h, nil, "Test.echo", echoParams{Value: "x"}, &out))

	// Signed call carries the caller fingerprint.
	signed := NewClient("", WithSigner(signer))
	require.NoError(t, call(t, h, signed, "Test.protected", nil, &out))
	assert.Equal(t, signer.Fingerprint(), out["caller"])
}

func TestBadSignatureRejected(t *testing.T) {
	_, armored, err := keys.GenerateSigner()
	require.NoError(t, err)
	pub, err := keys.ParseArmored(armored)
	require.NoError(t, err)

	other, _, err := keys.GenerateSigner()
	require.NoError(t, err)

	resolver := func(ctx context.Context, fingerprint string) (ed25519.PublicKey, error) {
		// Always resolve to the first key: signatures from `other` must fail.
		return pub.Signing, nil
	}
	h := newEchoHandler(t, resolver)

	bad := NewClient("", WithSigner(other))
	err = call(t, h, bad, "Test.echo", echoParams{Value: "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, CodeUnauthorized, CodeOf(err))
}

func postJSON(t *testing.T, url, body string) Response {
	t.Helper()
	var out Response
	require.NoError(t, json.Unmarshal(testPost(t, url, body), &out))
	return out
}

func postBatch(t *testing.T, url, body string) []Response {
	t.Helper()
	var out []Response
	require.NoError(t, json.Unmarshal(testPost(t, url, body), &out))
	return out
}

func testPost(t *testing.T, url, body string) []byte {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}
