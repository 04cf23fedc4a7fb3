// Package httpfetch downloads data files from pre-signed URLs.
package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/duckmesh/deltashare/internal/observability"
	"github.com/duckmesh/deltashare/internal/storage"
)

const defaultTimeout = 5 * time.Minute

// StatusError is a non-2xx answer from the object store behind a signed URL.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: http %d: %s", e.URL, e.StatusCode, e.Body)
}

// Fetcher issues plain GET requests. Signed URLs carry their own credentials, so
// the sharing bearer token is never attached here.
type Fetcher struct {
	client *http.Client
}

func New(timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Fetcher{client: &http.Client{
		Timeout:   timeout,
		Transport: observability.Transport(nil, logger, ""),
	}}
}

func NewWithClient(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Fetcher{client: client}
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		var urlErr *neturl.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, 0, fmt.Errorf("fetch %s: %w", storage.RedactURL(url), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, &StatusError{URL: storage.RedactURL(url), StatusCode: resp.StatusCode, Body: string(body)}
	}
	size := resp.ContentLength
	if size < 0 {
		size = -1
	}
	return resp.Body, size, nil
}
