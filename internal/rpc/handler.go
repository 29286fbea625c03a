package rpc

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// MethodHandler is a function that handles a JSON-RPC method call. The
// context carries the verified caller fingerprint when the request was
// signed (see Caller).
type MethodHandler func(ctx context.Context, params json.RawMessage) (interface{}, *Error)

// KeyResolver resolves a registered fingerprint to its ed25519 public key.
// A nil key with nil error means the fingerprint is unknown.
type KeyResolver func(ctx context.Context, fingerprint string) (ed25519.PublicKey, error)

type callerKey struct{}

// Caller returns the verified signer fingerprint, or "" for unsigned calls.
func Caller(ctx context.Context) string {
	if v := ctx.Value(callerKey{}); v != nil {
		return v.(string)
	}
	return ""
}

// WithCaller stamps a verified fingerprint onto ctx. Exposed for tests and
// in-process dispatch.
func WithCaller(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, callerKey{}, fingerprint)
}

// Handler processes JSON-RPC 2.0 requests over HTTP POST.
type Handler struct {
	mu       sync.RWMutex
	methods  map[string]MethodHandler
	unsigned map[string]bool
	resolver KeyResolver
	logger   *slog.Logger
}

// NewHandler creates a handler. resolver may be nil, in which case no
// signature verification happens and every method is open.
func NewHandler(logger *slog.Logger, resolver KeyResolver) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		methods:  make(map[string]MethodHandler),
		unsigned: make(map[string]bool),
		resolver: resolver,
		logger:   logger,
	}
}

// Register adds a method that requires a valid signature when a resolver is
// configured.
func (h *Handler) Register(name string, fn MethodHandler) {
	h.register(name, fn, false)
}

// RegisterOpen adds a method that accepts unsigned calls. Registration and
// read-only lookups go through here.
func (h *Handler) RegisterOpen(name string, fn MethodHandler) {
	h.register(name, fn, true)
}

func (h *Handler) register(name string, fn MethodHandler, open bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[name] = fn
	h.unsigned[name] = open
	h.logger.Debug("registered JSON-RPC method", slog.String("method", name), slog.Bool("open", open))
}

// Methods returns the registered method names.
func (h *Handler) Methods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.methods))
	for name := range h.methods {
		out = append(out, name)
	}
	return out
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, nil, ErrInvalidRequest("only POST is allowed"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, nil, ErrInvalidRequest("failed to read request body"))
		return
	}
	defer r.Body.Close()

	ctx, authErr := h.authenticate(r, body)
	if authErr != nil {
		// Signature present but invalid: reject before dispatch.
		h.writeError(w, nil, authErr)
		return
	}

	if len(body) > 0 && body[0] == '[' {
		h.handleBatch(ctx, w, body)
		return
	}
	h.handleSingle(ctx, w, body)
}

// authenticate verifies the signature headers if present. The allowlist is
// enforced later, per method, because a batch may mix open and protected
// calls.
func (h *Handler) authenticate(r *http.Request, body []byte) (context.Context, *Error) {
	ctx := r.Context()
	if h.resolver == nil {
		return ctx, nil
	}
	fingerprint := r.Header.Get(HeaderFingerprint)
	sig := r.Header.Get(HeaderSignature)
	if fingerprint == "" && sig == "" {
		return ctx, nil
	}
	if fingerprint == "" || sig == "" {
		return ctx, ErrUnauthorized("both fingerprint and signature headers are required")
	}
	pub, err := h.resolver(ctx, fingerprint)
	if err != nil {
		h.logger.Error("key resolution failed", slog.String("error", err.Error()))
		return ctx, ErrInternal("key resolution failed")
	}
	if pub == nil {
		return ctx, ErrUnauthorized("unknown key fingerprint")
	}
	if !verifySignature(pub, body, sig) {
		return ctx, ErrUnauthorized("signature verification failed")
	}
	return WithCaller(ctx, fingerprint), nil
}

func (h *Handler) handleSingle(ctx context.Context, w http.ResponseWriter, body []byte) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, nil, ErrParse("invalid JSON"))
		return
	}
	resp := h.dispatch(ctx, &req)
	h.write(w, resp)
}

func (h *Handler) handleBatch(ctx context.Context, w http.ResponseWriter, body []byte) {
	var reqs []Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		h.writeError(w, nil, ErrParse("invalid JSON"))
		return
	}
	if len(reqs) == 0 {
		h.writeError(w, nil, ErrInvalidRequest("batch request cannot be empty"))
		return
	}
	resps := make([]Response, 0, len(reqs))
	for i := range reqs {
		resps = append(resps, h.dispatch(ctx, &reqs[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resps)
}

func (h *Handler) dispatch(ctx context.Context, req *Request) Response {
	if req.JSONRPC != "2.0" {
		return Response{JSONRPC: "2.0", Error: ErrInvalidRequest("jsonrpc must be '2.0'"), ID: req.ID}
	}

	h.mu.RLock()
	fn, exists := h.methods[req.Method]
	open := h.unsigned[req.Method]
	h.mu.RUnlock()

	if !exists {
		return Response{JSONRPC: "2.0", Error: ErrMethodNotFound(req.Method), ID: req.ID}
	}
	if h.resolver != nil && !open && Caller(ctx) == "" {
		return Response{JSONRPC: "2.0", Error: ErrUnauthorized("method requires a signed request"), ID: req.ID}
	}

	result, rpcErr := fn(ctx, req.Params)
	if rpcErr != nil {
		h.logger.Warn("method failed",
			slog.String("method", req.Method),
			slog.Int("code", rpcErr.Code),
			slog.String("message", rpcErr.Message),
		)
		return Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("result encoding failed", slog.String("method", req.Method), slog.String("error", err.Error()))
		return Response{JSONRPC: "2.0", Error: ErrInternal("result encoding failed"), ID: req.ID}
	}
	return Response{JSONRPC: "2.0", Result: raw, ID: req.ID}
}

func (h *Handler) write(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if resp.Error != nil && (resp.Error.Code == CodeParse || resp.Error.Code == CodeInvalidRequest) {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, id interface{}, rpcErr *Error) {
	h.write(w, Response{JSONRPC: "2.0", Error: rpcErr, ID: id})
}
