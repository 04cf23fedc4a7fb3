package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/duckmesh/deltashare/internal/storage"
)

func TestPutUsesPrefixAndNormalizedKey(t *testing.T) {
	fake := &fakeAPI{}
	store := newStore(fake, "exports", "/deltashare/prod/")

	info, err := store.Put(context.Background(), "/share1/default/events/version=3/part-1.parquet", bytes.NewBufferString("abc"), 3, storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
		Metadata:    map[string]string{"table": "share1.default.events"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fake.putBucket != "exports" {
		t.Fatalf("bucket = %q", fake.putBucket)
	}
	wantKey := "deltashare/prod/share1/default/events/version=3/part-1.parquet"
	if fake.putObject != wantKey || info.Key != wantKey {
		t.Fatalf("object = %q, info.Key = %q", fake.putObject, info.Key)
	}
	if info.URI != "s3://exports/"+wantKey {
		t.Fatalf("URI = %q", info.URI)
	}
	if string(fake.putBody) != "abc" || info.Size != 3 || info.ETag != "etag-1" {
		t.Fatalf("info = %+v body = %q", info, fake.putBody)
	}
	if fake.putOpts.ContentType != "application/vnd.apache.parquet" || fake.putOpts.UserMetadata["table"] != "share1.default.events" {
		t.Fatalf("put options = %+v", fake.putOpts)
	}
}

func TestPutRejectsPathTraversal(t *testing.T) {
	store := newStore(&fakeAPI{}, "exports", "")
	for _, key := range []string{"../secrets.txt", "", "  ", ".."} {
		if _, err := store.Put(context.Background(), key, bytes.NewBufferString("x"), 1, storage.PutOptions{}); err == nil {
			t.Fatalf("Put(%q) expected validation error", key)
		}
	}
}

func TestStatMapsMissingObject(t *testing.T) {
	fake := &fakeAPI{statErr: minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}}
	store := newStore(fake, "exports", "")
	if _, err := store.Stat(context.Background(), "missing.parquet"); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("Stat() error = %v, want ErrObjectNotFound", err)
	}
}

func TestStatReturnsObjectInfo(t *testing.T) {
	modified := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	fake := &fakeAPI{statInfo: minio.ObjectInfo{Size: 42, ETag: "e", LastModified: modified}}
	store := newStore(fake, "exports", "p")
	info, err := store.Stat(context.Background(), "a/b.parquet")
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Key != "p/a/b.parquet" || info.Size != 42 || !info.LastModified.Equal(modified) {
		t.Fatalf("info = %+v", info)
	}
}

func TestDeleteIgnoresMissingObject(t *testing.T) {
	fake := &fakeAPI{removeErr: minio.ErrorResponse{Code: "NoSuchKey"}}
	store := newStore(fake, "exports", "")
	if err := store.Delete(context.Background(), "missing/file.parquet"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	fake.removeErr = errors.New("boom")
	if err := store.Delete(context.Background(), "file.parquet"); err == nil {
		t.Fatal("expected delete error")
	}
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	fake := &fakeAPI{}
	store := newStore(fake, "exports", "")
	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if fake.madeRegion != "us-east-1" {
		t.Fatalf("MakeBucket region = %q", fake.madeRegion)
	}

	fake = &fakeAPI{bucketExists: true}
	store = newStore(fake, "exports", "")
	if err := store.ensureBucket(context.Background(), "us-east-1"); err != nil {
		t.Fatalf("ensureBucket() error = %v", err)
	}
	if fake.madeRegion != "" {
		t.Fatal("MakeBucket should not be called for an existing bucket")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw        string
		useSSL     bool
		wantHost   string
		wantSecure bool
	}{
		{"https://minio.example.com", false, "minio.example.com", true},
		{"http://localhost:9000", false, "localhost:9000", false},
		{"localhost:9000", true, "localhost:9000", true},
	}
	for _, tc := range tests {
		host, secure, err := parseEndpoint(tc.raw, tc.useSSL)
		if err != nil {
			t.Fatalf("parseEndpoint(%q) error = %v", tc.raw, err)
		}
		if host != tc.wantHost || secure != tc.wantSecure {
			t.Fatalf("parseEndpoint(%q) = %q/%v", tc.raw, host, secure)
		}
	}
	for _, raw := range []string{"", "ftp://x", "https://"} {
		if _, _, err := parseEndpoint(raw, false); err == nil {
			t.Fatalf("parseEndpoint(%q) expected error", raw)
		}
	}
}

type fakeAPI struct {
	putBucket    string
	putObject    string
	putBody      []byte
	putOpts      minio.PutObjectOptions
	statInfo     minio.ObjectInfo
	statErr      error
	removeErr    error
	bucketExists bool
	madeRegion   string
}

func (f *fakeAPI) PutObject(_ context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.putBucket = bucket
	f.putObject = object
	f.putOpts = opts
	body, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.putBody = body
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size, ETag: "etag-1"}, nil
}

func (f *fakeAPI) StatObject(_ context.Context, _, object string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	if f.statErr != nil {
		return minio.ObjectInfo{}, f.statErr
	}
	info := f.statInfo
	info.Key = object
	return info, nil
}

func (f *fakeAPI) RemoveObject(context.Context, string, string, minio.RemoveObjectOptions) error {
	return f.removeErr
}

func (f *fakeAPI) BucketExists(context.Context, string) (bool, error) {
	return f.bucketExists, nil
}

func (f *fakeAPI) MakeBucket(_ context.Context, _ string, opts minio.MakeBucketOptions) error {
	f.madeRegion = opts.Region
	return nil
}
