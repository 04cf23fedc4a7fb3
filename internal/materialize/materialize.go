// Package materialize turns a list of shared data files into one in-memory table.
//
// Files are downloaded one at a time into scoped temp files, decoded and
// concatenated in input order. A file that cannot be downloaded or decoded is
// dropped with a warning; a file whose columns disagree with the files before it
// fails the whole call.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/spf13/afero"

	"github.com/duckmesh/deltashare/internal/observability"
	"github.com/duckmesh/deltashare/internal/protocol"
	"github.com/duckmesh/deltashare/internal/storage"
)

var ErrSchemaMismatch = errors.New("schema mismatch between data files")

type Stage string

const (
	StageDownload Stage = "download"
	StageDecode   Stage = "decode"
)

// Warning records one file that was dropped from the result.
type Warning struct {
	URL   string
	Stage Stage
	Err   error
}

func (w Warning) Error() string {
	return fmt.Sprintf("%s %s: %v", w.Stage, storage.RedactURL(w.URL), w.Err)
}

type Report struct {
	Files     int
	Succeeded int
	Failed    int
	Warnings  []Warning
}

type Options struct {
	// PartitionColumns are appended from File.PartitionValues when a file does not
	// store them.
	PartitionColumns []string
	// TrailingColumns are moved behind every other column, in this order, whether the
	// file stores them or they were appended from partition values.
	TrailingColumns []string
	// Limit stops reading once this many rows were collected. Zero means no limit.
	Limit int64
	// Schema provides the column set when no file could be read.
	Schema *protocol.StructType
}

type Config struct {
	Fetcher   storage.Fetcher
	FS        afero.Fs
	TempDir   string
	Logger    *slog.Logger
	Allocator memory.Allocator
}

type Materializer struct {
	fetcher storage.Fetcher
	fs      afero.Fs
	tempDir string
	logger  *slog.Logger
	alloc   memory.Allocator
}

func New(cfg Config) (*Materializer, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	m := &Materializer{
		fetcher: cfg.Fetcher,
		fs:      cfg.FS,
		tempDir: cfg.TempDir,
		logger:  cfg.Logger,
		alloc:   cfg.Allocator,
	}
	if m.fs == nil {
		m.fs = afero.NewOsFs()
	}
	if m.tempDir == "" {
		m.tempDir = os.TempDir()
	}
	if m.logger == nil {
		m.logger = observability.DiscardLogger()
	}
	if m.alloc == nil {
		m.alloc = memory.DefaultAllocator
	}
	return m, nil
}

// decodeFunc reads one downloaded file. It must not retain local after returning.
type decodeFunc func(local afero.File, size int64, file protocol.File) error

// each downloads and decodes files in order until done reports true. Per-file
// failures become warnings; schema mismatches and context cancellation are returned.
func (m *Materializer) each(ctx context.Context, files []protocol.File, done func() bool, decode decodeFunc) (Report, error) {
	report := Report{Files: len(files), Warnings: make([]Warning, 0)}
	for _, file := range files {
		if done() {
			break
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		stage, err := m.process(ctx, file, decode)
		if err == nil {
			report.Succeeded++
			continue
		}
		if errors.Is(err, ErrSchemaMismatch) {
			return report, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}

		report.Failed++
		report.Warnings = append(report.Warnings, Warning{URL: file.URL, Stage: stage, Err: err})
		observability.ObserveFileFailed(string(stage))
		m.logger.WarnContext(ctx, "partial_download",
			slog.String("url", storage.RedactURL(file.URL)),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
	}
	return report, nil
}

func (m *Materializer) process(ctx context.Context, file protocol.File, decode decodeFunc) (Stage, error) {
	local, size, err := m.download(ctx, file.URL)
	if err != nil {
		return StageDownload, err
	}
	defer m.discard(local)

	if err := decode(local, size, file); err != nil {
		return StageDecode, err
	}
	return StageDecode, nil
}

func (m *Materializer) download(ctx context.Context, url string) (afero.File, int64, error) {
	body, _, err := m.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = body.Close() }()

	if err := m.fs.MkdirAll(m.tempDir, 0o700); err != nil {
		return nil, 0, fmt.Errorf("create temp dir: %w", err)
	}
	local, err := afero.TempFile(m.fs, m.tempDir, "deltashare-*.parquet")
	if err != nil {
		return nil, 0, fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(local, body)
	if err != nil {
		m.discard(local)
		return nil, 0, fmt.Errorf("download data file: %w", err)
	}
	if _, err := local.Seek(0, io.SeekStart); err != nil {
		m.discard(local)
		return nil, 0, fmt.Errorf("rewind temp file: %w", err)
	}
	observability.ObserveFileDownloaded(size)
	return local, size, nil
}

func (m *Materializer) discard(local afero.File) {
	name := local.Name()
	_ = local.Close()
	if err := m.fs.Remove(name); err != nil {
		m.logger.Warn("temp_file_cleanup_failed", slog.String("path", name), slog.String("error", err.Error()))
	}
}

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, fmt.Sprintf(format, args...))
}

// missingPartitions returns the partition columns not present in names, in the
// order they were requested.
func missingPartitions(partitionColumns []string, names []string) []string {
	present := make(map[string]struct{}, len(names))
	for _, name := range names {
		present[name] = struct{}{}
	}
	missing := make([]string, 0, len(partitionColumns))
	for _, column := range partitionColumns {
		if _, ok := present[column]; !ok {
			missing = append(missing, column)
			present[column] = struct{}{}
		}
	}
	return missing
}

// columnOrder returns the positions of names with the trailing columns moved to the
// end in the given order. It returns nil when the order is unchanged.
func columnOrder(names []string, trailing []string) []int {
	if len(trailing) == 0 {
		return nil
	}
	position := make(map[string]int, len(names))
	for i, name := range names {
		position[name] = i
	}
	moved := make(map[int]struct{}, len(trailing))
	tail := make([]int, 0, len(trailing))
	for _, name := range trailing {
		index, ok := position[name]
		if !ok {
			continue
		}
		if _, seen := moved[index]; seen {
			continue
		}
		moved[index] = struct{}{}
		tail = append(tail, index)
	}

	order := make([]int, 0, len(names))
	for i := range names {
		if _, ok := moved[i]; !ok {
			order = append(order, i)
		}
	}
	order = append(order, tail...)
	for i, index := range order {
		if i != index {
			return order
		}
	}
	return nil
}
