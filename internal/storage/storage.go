package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	URI          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is the destination for exported tables.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Fetcher downloads a data file by its pre-signed URL. Size is -1 when the server
// did not announce a length.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// RedactURL drops the query string of a pre-signed URL, which holds its signature.
func RedactURL(raw string) string {
	base, _, _ := strings.Cut(raw, "?")
	return base
}
