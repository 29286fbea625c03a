package rpc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/peagen-io/peagen/internal/keys"
)

func verifySignature(pub ed25519.PublicKey, body []byte, hexSig string) bool {
	return keys.Verify(pub, body, hexSig)
}

// Signer signs outbound request bodies. *keys.Signer satisfies this.
type Signer interface {
	Fingerprint() string
	Sign(body []byte) string
}

// Client issues JSON-RPC 2.0 calls over HTTP. HTTP/2 is negotiated by the
// underlying transport when the endpoint speaks TLS.
type Client struct {
	endpoint string
	http     *http.Client
	signer   Signer
	seq      atomic.Int64
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithSigner makes the client sign every request body.
func WithSigner(s Signer) ClientOption {
	return func(c *Client) { c.signer = s }
}

// WithHTTPClient substitutes the HTTP client, e.g. for TLS config or tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the given /rpc endpoint URL.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the target URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Call invokes method with params and decodes the result into out (unless
// out is nil). A JSON-RPC error response is returned as *Error; transport
// failures as wrapped errors.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	var rawParams json.RawMessage
	if params != nil {
		enc, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc: encode params: %w", err)
		}
		rawParams = enc
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  rawParams,
		ID:      c.seq.Add(1),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		httpReq.Header.Set(HeaderFingerprint, c.signer.Fingerprint())
		httpReq.Header.Set(HeaderSignature, c.signer.Sign(body))
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc: call %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("rpc: decode response for %s: %w", method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("rpc: decode result for %s: %w", method, err)
		}
	}
	return nil
}

// CodeOf extracts the JSON-RPC error code from err, or 0 when err is not a
// *Error.
func CodeOf(err error) int {
	if rpcErr, ok := err.(*Error); ok {
		return rpcErr.Code
	}
	return 0
}
