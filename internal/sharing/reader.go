// Package sharing runs the read pipeline for one shared table: query the server,
// filter the returned files by partition, then materialize what is left.
package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/duckmesh/deltashare/internal/client"
	"github.com/duckmesh/deltashare/internal/filter"
	"github.com/duckmesh/deltashare/internal/materialize"
	"github.com/duckmesh/deltashare/internal/observability"
	"github.com/duckmesh/deltashare/internal/protocol"
)

const (
	ChangeTypeColumn      = "_change_type"
	CommitVersionColumn   = "_commit_version"
	CommitTimestampColumn = "_commit_timestamp"
)

type QueryClient interface {
	QueryTable(ctx context.Context, table protocol.Table, request client.QueryRequest) (protocol.QueryResult, error)
	QueryTableChanges(ctx context.Context, table protocol.Table, options client.ChangesOptions) (protocol.ChangesResult, error)
}

type Reader struct {
	client       QueryClient
	materializer *materialize.Materializer
	logger       *slog.Logger
}

func NewReader(c QueryClient, m *materialize.Materializer, logger *slog.Logger) (*Reader, error) {
	if c == nil {
		return nil, fmt.Errorf("query client is required")
	}
	if m == nil {
		return nil, fmt.Errorf("materializer is required")
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Reader{client: c, materializer: m, logger: logger}, nil
}

type LoadOptions struct {
	Partitions     filter.Partitions
	PredicateHints []string
	// LimitHint is sent to the server and also enforced on the materialized rows.
	LimitHint *int64
	Version   *int64
}

// FileSet is the filtered file list of one table query.
type FileSet struct {
	Table    protocol.Table
	Protocol *protocol.Protocol
	Metadata *protocol.Metadata
	Version  *int64
	Files    []protocol.File
	Total    int
	Outcome  filter.Outcome
}

type RowResult struct {
	Files FileSet
	Table materialize.RowTable
}

// ArrowResult owns Table; callers must call Release.
type ArrowResult struct {
	Files FileSet
	Table materialize.ArrowTable
}

func (r ArrowResult) Release() {
	r.Table.Release()
}

func (r *Reader) ListFiles(ctx context.Context, table protocol.Table, opts LoadOptions) (FileSet, error) {
	result, err := r.client.QueryTable(ctx, table, client.QueryRequest{
		PredicateHints: opts.PredicateHints,
		LimitHint:      opts.LimitHint,
		Version:        opts.Version,
	})
	if err != nil {
		return FileSet{}, fmt.Errorf("query table %s: %w", table, err)
	}

	selection := filter.Apply(result.Files, opts.Partitions)
	outcome := selection.Outcome()
	observability.ObserveFilterOutcome(string(outcome))
	if outcome == filter.OutcomeFilteredEmpty {
		r.logger.InfoContext(ctx, "partition_filter_empty",
			slog.String("table", table.String()),
			slog.Int("source_files", selection.Total),
		)
	}

	return FileSet{
		Table:    table,
		Protocol: result.Protocol,
		Metadata: result.Metadata,
		Version:  result.TableVersion,
		Files:    selection.Files,
		Total:    selection.Total,
		Outcome:  outcome,
	}, nil
}

func (r *Reader) LoadRows(ctx context.Context, table protocol.Table, opts LoadOptions) (RowResult, error) {
	files, err := r.ListFiles(ctx, table, opts)
	if err != nil {
		return RowResult{}, err
	}
	rows, err := r.materializer.Rows(ctx, files.Files, r.materializeOptions(ctx, files.Metadata, opts.LimitHint))
	if err != nil {
		return RowResult{}, fmt.Errorf("materialize table %s: %w", table, err)
	}
	return RowResult{Files: files, Table: rows}, nil
}

func (r *Reader) LoadArrow(ctx context.Context, table protocol.Table, opts LoadOptions) (ArrowResult, error) {
	files, err := r.ListFiles(ctx, table, opts)
	if err != nil {
		return ArrowResult{}, err
	}
	columnar, err := r.materializer.Arrow(ctx, files.Files, r.materializeOptions(ctx, files.Metadata, opts.LimitHint))
	if err != nil {
		return ArrowResult{}, fmt.Errorf("materialize table %s: %w", table, err)
	}
	return ArrowResult{Files: files, Table: columnar}, nil
}

type ChangesResult struct {
	Protocol *protocol.Protocol
	Metadata *protocol.Metadata
	Actions  int
	Table    materialize.RowTable
}

// LoadChanges reads the change data feed of a table as rows. Each row carries the
// change type, commit version and commit timestamp of the action it came from.
// add and remove actions are reported as "insert" and "delete"; cdc files bring
// their own change type column.
func (r *Reader) LoadChanges(ctx context.Context, table protocol.Table, opts client.ChangesOptions) (ChangesResult, error) {
	changes, err := r.client.QueryTableChanges(ctx, table, opts)
	if err != nil {
		return ChangesResult{}, fmt.Errorf("query table changes %s: %w", table, err)
	}

	files := make([]protocol.File, 0, len(changes.Actions))
	for _, action := range changes.Actions {
		files = append(files, annotateChange(action))
	}

	materializeOpts := r.materializeOptions(ctx, changes.Metadata, nil)
	changeColumns := []string{ChangeTypeColumn, CommitVersionColumn, CommitTimestampColumn}
	materializeOpts.PartitionColumns = append(materializeOpts.PartitionColumns, changeColumns...)
	// cdc files store _change_type among their data columns; add and remove files get
	// it appended, so both are brought to the same layout.
	materializeOpts.TrailingColumns = changeColumns
	materializeOpts.Schema = nil

	rows, err := r.materializer.Rows(ctx, files, materializeOpts)
	if err != nil {
		return ChangesResult{}, fmt.Errorf("materialize table changes %s: %w", table, err)
	}
	typeCommitColumns(&rows)

	return ChangesResult{
		Protocol: changes.Protocol,
		Metadata: changes.Metadata,
		Actions:  len(changes.Actions),
		Table:    rows,
	}, nil
}

func (r *Reader) materializeOptions(ctx context.Context, metadata *protocol.Metadata, limit *int64) materialize.Options {
	opts := materialize.Options{}
	if limit != nil && *limit > 0 {
		opts.Limit = *limit
	}
	if metadata == nil {
		return opts
	}
	opts.PartitionColumns = append(opts.PartitionColumns, metadata.PartitionColumns...)
	if metadata.SchemaString != "" {
		schema, err := metadata.ParseSchema()
		if err != nil {
			r.logger.DebugContext(ctx, "table_schema_unreadable", slog.String("error", err.Error()))
		} else {
			opts.Schema = &schema
		}
	}
	return opts
}

// annotateChange copies the action's file and records the change columns as extra
// partition values so the materializer appends them to every row.
func annotateChange(action protocol.ChangeAction) protocol.File {
	file := action.File
	values := make(map[string]string, len(file.PartitionValues)+3)
	for key, value := range file.PartitionValues {
		values[key] = value
	}
	switch action.Type {
	case protocol.ChangeAdd:
		values[ChangeTypeColumn] = "insert"
	case protocol.ChangeRemove:
		values[ChangeTypeColumn] = "delete"
	}
	if file.Version != nil {
		values[CommitVersionColumn] = strconv.FormatInt(*file.Version, 10)
	}
	if file.Timestamp != nil {
		values[CommitTimestampColumn] = strconv.FormatInt(*file.Timestamp, 10)
	}
	file.PartitionValues = values
	return file
}

// typeCommitColumns turns the commit version into a long and the commit timestamp
// (epoch milliseconds) into a time.
func typeCommitColumns(table *materialize.RowTable) {
	for index, column := range table.Columns {
		switch column.Name {
		case CommitVersionColumn:
			table.Columns[index].Type = "long"
			convertColumn(table.Rows, index, func(raw int64) any { return raw })
		case CommitTimestampColumn:
			table.Columns[index].Type = "timestamp"
			convertColumn(table.Rows, index, func(raw int64) any { return time.UnixMilli(raw).UTC() })
		}
	}
}

func convertColumn(rows [][]any, index int, convert func(int64) any) {
	for _, row := range rows {
		text, ok := row[index].(string)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			row[index] = nil
			continue
		}
		row[index] = convert(parsed)
	}
}
