// Package rpc implements the JSON-RPC 2.0 transport shared by the gateway
// and workers: request/response envelope, method registry, optional ed25519
// request signing, and an HTTP client for outbound calls.
package rpc

import "encoding/json"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Application error codes (-32000 to -32099).
const (
	CodeUnauthorized      = -32001
	CodeNotFound          = -32002
	CodeHashMismatch      = -32010
	CodeQueueUnavailable  = -32020
	CodeWorkerUnavailable = -32030
	CodePoolMissing       = -32040
)

// NewError builds an error with no data attachment.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithData builds an error carrying structured context.
func NewErrorWithData(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func ErrParse(message string) *Error          { return NewError(CodeParse, message) }
func ErrInvalidRequest(message string) *Error { return NewError(CodeInvalidRequest, message) }
func ErrMethodNotFound(method string) *Error {
	return NewErrorWithData(CodeMethodNotFound, "method not found", method)
}
func ErrInvalidParams(message string) *Error { return NewError(CodeInvalidParams, message) }
func ErrInternal(message string) *Error      { return NewError(CodeInternal, message) }
func ErrUnauthorized(message string) *Error  { return NewError(CodeUnauthorized, message) }
func ErrNotFound(message string) *Error      { return NewError(CodeNotFound, message) }
func ErrHashMismatch(message string) *Error  { return NewError(CodeHashMismatch, message) }
func ErrQueueUnavailable(message string) *Error {
	return NewError(CodeQueueUnavailable, message)
}
func ErrWorkerUnavailable(message string) *Error {
	return NewError(CodeWorkerUnavailable, message)
}
func ErrPoolMissing(message string) *Error { return NewError(CodePoolMissing, message) }

// Signing headers carried alongside signed requests.
const (
	HeaderFingerprint = "X-Peagen-Fingerprint"
	HeaderSignature   = "X-Peagen-Signature"
)
