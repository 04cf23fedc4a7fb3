package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransportSetsTraceAndUserAgent(t *testing.T) {
	var gotTrace, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get(traceHeader)
		gotAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: Transport(nil, slog.New(slog.NewJSONHandler(io.Discard, nil)), "deltashare-test/1")}
	resp, err := client.Get(srv.URL + "/shares")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	_ = resp.Body.Close()
	if gotTrace == "" {
		t.Fatal("expected generated trace id")
	}
	if gotAgent != "deltashare-test/1" {
		t.Fatalf("User-Agent = %q", gotAgent)
	}
}

func TestTransportPreservesContextTraceID(t *testing.T) {
	var gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = r.Header.Get(traceHeader)
	}))
	defer srv.Close()

	client := &http.Client{Transport: Transport(nil, nil, "")}
	ctx := ContextWithTraceID(context.Background(), "trace-1")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/shares", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	_ = resp.Body.Close()
	if gotTrace != "trace-1" {
		t.Fatalf("trace header = %q", gotTrace)
	}
}

func TestTransportReturnsBaseError(t *testing.T) {
	wantErr := errors.New("dial failed")
	transport := Transport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, wantErr
	}), nil, "")
	req := httptest.NewRequest(http.MethodGet, "http://sharing.invalid/shares", nil)
	if _, err := transport.RoundTrip(req); !errors.Is(err, wantErr) {
		t.Fatalf("RoundTrip() error = %v", err)
	}
}

func TestEndpointLabel(t *testing.T) {
	cases := map[string]string{
		"/delta-sharing/shares":                                     "shares",
		"/delta-sharing/shares/s1":                                  "share",
		"/delta-sharing/shares/s1/schemas":                          "schemas",
		"/delta-sharing/shares/s1/schemas/default/tables":           "tables",
		"/delta-sharing/shares/s1/all-tables":                       "all-tables",
		"/delta-sharing/shares/s1/schemas/default/tables/t/query":   "query",
		"/delta-sharing/shares/s1/schemas/default/tables/t/version": "version",
		"/": "other",
	}
	for path, want := range cases {
		if got := EndpointLabel(path); got != want {
			t.Fatalf("EndpointLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestTraceIDContextHelpers(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "abc123")
	if got := TraceIDFromContext(ctx); got != "abc123" {
		t.Fatalf("TraceIDFromContext() = %q", got)
	}
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Fatalf("TraceIDFromContext() = %q", got)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
