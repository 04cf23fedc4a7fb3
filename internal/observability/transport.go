package observability

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const traceHeader = "X-Trace-ID"

// Transport wraps base with tracing, request logging and request metrics for calls
// made to the sharing server.
func Transport(base http.RoundTripper, logger *slog.Logger, userAgent string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = DiscardLogger()
	}
	return &instrumentedTransport{base: base, logger: logger, userAgent: userAgent}
}

type instrumentedTransport struct {
	base      http.RoundTripper
	logger    *slog.Logger
	userAgent string
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	traceID := TraceIDFromContext(req.Context())
	if traceID == "" {
		traceID = uuid.NewString()
	}

	outgoing := req.Clone(ContextWithTraceID(req.Context(), traceID))
	outgoing.Header.Set(traceHeader, traceID)
	if t.userAgent != "" && outgoing.Header.Get("User-Agent") == "" {
		outgoing.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(outgoing)

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	endpoint := EndpointLabel(req.URL.Path)
	httpClientRequestsTotal.WithLabelValues(req.Method, endpoint, status).Inc()
	httpClientRequestDurationSeconds.WithLabelValues(req.Method, endpoint, status).Observe(time.Since(start).Seconds())

	attrs := []any{
		slog.String("trace_id", traceID),
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("status", status),
		slog.String("duration", time.Since(start).String()),
	}
	if err != nil {
		t.logger.WarnContext(req.Context(), "http_client_request", append(attrs, slog.String("error", err.Error()))...)
		return nil, err
	}
	t.logger.DebugContext(req.Context(), "http_client_request", attrs...)
	return resp, nil
}

// EndpointLabel reduces a request path to the protocol route it hits so that share,
// schema and table names do not become metric label values.
func EndpointLabel(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	last := segments[len(segments)-1]
	switch last {
	case "shares", "schemas", "tables", "all-tables", "metadata", "version", "query", "changes":
		return last
	}
	if len(segments) >= 2 && segments[len(segments)-2] == "shares" {
		return "share"
	}
	return "other"
}
