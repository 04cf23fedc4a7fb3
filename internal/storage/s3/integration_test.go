//go:build integration

package s3

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/deltashare/internal/config"
	"github.com/duckmesh/deltashare/internal/storage"
)

func TestStoreAgainstMinIO(t *testing.T) {
	endpoint := envOr("DELTASHARE_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("DELTASHARE_TEST_S3_ENDPOINT is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, config.ObjectStoreConfig{
		Endpoint:         endpoint,
		Region:           envOr("DELTASHARE_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("DELTASHARE_TEST_S3_BUCKET", "deltashare-it"),
		AccessKeyID:      envOr("DELTASHARE_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("DELTASHARE_TEST_S3_SECRET_KEY", "miniostorage"),
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := "share/default/events/version=latest/part-it.parquet"
	payload := []byte("deltashare-integration")
	if _, err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{ContentType: "application/octet-stream"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	stat, err := store.Stat(ctx, key)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if stat.Size != int64(len(payload)) {
		t.Fatalf("Stat().Size = %d, want %d", stat.Size, len(payload))
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Stat(ctx, key); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat() after delete error = %v, want ErrObjectNotFound", err)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
