package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// methodSniffLimit bounds how much of an /rpc body is retained for the
// access log; oversized requests just log without a method name.
const methodSniffLimit = 4096

// bodySniffer tees the first methodSniffLimit bytes of the request body
// while the handler consumes it.
type bodySniffer struct {
	io.ReadCloser
	buf bytes.Buffer
}

func (s *bodySniffer) Read(p []byte) (int, error) {
	n, err := s.ReadCloser.Read(p)
	if n > 0 && s.buf.Len() < methodSniffLimit {
		keep := n
		if room := methodSniffLimit - s.buf.Len(); keep > room {
			keep = room
		}
		s.buf.Write(p[:keep])
	}
	return n, err
}

// rpcMethods extracts the method name(s) from a JSON-RPC body, joining
// batch entries with commas. Returns "" for anything unparseable.
func rpcMethods(body []byte) string {
	body = bytes.TrimLeft(body, " \t\r\n")
	if len(body) == 0 {
		return ""
	}
	type req struct {
		Method string `json:"method"`
	}
	if body[0] == '[' {
		var batch []req
		if json.Unmarshal(body, &batch) != nil || len(batch) == 0 {
			return ""
		}
		names := make([]string, len(batch))
		for i, r := range batch {
			names[i] = r.Method
		}
		return strings.Join(names, ",")
	}
	var single req
	if json.Unmarshal(body, &single) != nil {
		return ""
	}
	return single.Method
}

// Logging returns a structured access-log middleware. For /rpc traffic
// the JSON-RPC method name is logged alongside the path, since every
// operation shares the one URL.
func Logging(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			reqID := chimiddleware.GetReqID(r.Context())

			var sniffer *bodySniffer
			if r.URL.Path == "/rpc" && r.Body != nil {
				sniffer = &bodySniffer{ReadCloser: r.Body}
				r.Body = sniffer
			}

			next.ServeHTTP(wrapped, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.status),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("user_agent", r.UserAgent()),
			}
			if sniffer != nil {
				if m := rpcMethods(sniffer.buf.Bytes()); m != "" {
					attrs = append(attrs, slog.String("rpc_method", m))
				}
			}
			logger.LogAttrs(r.Context(), slog.LevelInfo, "request", attrs...)
		})
	}
}
