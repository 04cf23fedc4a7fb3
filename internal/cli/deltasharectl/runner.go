package deltasharectl

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/spf13/afero"
	"golang.org/x/oauth2"

	"github.com/duckmesh/deltashare/internal/auth"
	"github.com/duckmesh/deltashare/internal/client"
	"github.com/duckmesh/deltashare/internal/config"
	"github.com/duckmesh/deltashare/internal/export"
	"github.com/duckmesh/deltashare/internal/filter"
	"github.com/duckmesh/deltashare/internal/materialize"
	"github.com/duckmesh/deltashare/internal/observability"
	"github.com/duckmesh/deltashare/internal/protocol"
	"github.com/duckmesh/deltashare/internal/query"
	"github.com/duckmesh/deltashare/internal/query/duckdb"
	"github.com/duckmesh/deltashare/internal/sharing"
	"github.com/duckmesh/deltashare/internal/storage"
	"github.com/duckmesh/deltashare/internal/storage/httpfetch"
	"github.com/duckmesh/deltashare/internal/storage/s3"
)

// Options carries the environment-derived defaults and, in tests, the collaborators
// that would otherwise be built from Config.
type Options struct {
	Config      config.Config
	HTTPClient  *http.Client
	Fetcher     storage.Fetcher
	FS          afero.Fs
	ObjectStore storage.ObjectStore
	Logger      *slog.Logger
	Stdout      io.Writer
	Stderr      io.Writer
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

type flags struct {
	profileFile     string
	endpoint        string
	token           string
	timeout         time.Duration
	partitions      stringList
	predicates      stringList
	limit           int64
	version         int64
	maxResults      int
	pageToken       string
	startingVersion int64
	endingVersion   int64
	startingTime    string
	endingTime      string
	format          string
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("deltasharectl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f flags
	fs.StringVar(&f.profileFile, "profile-file", defaults.Config.Sharing.ProfileFile, "Delta Sharing profile file")
	fs.StringVar(&f.endpoint, "endpoint", defaults.Config.Sharing.Endpoint, "sharing server endpoint (overrides the profile)")
	fs.StringVar(&f.token, "token", defaults.Config.Sharing.BearerToken, "bearer token (overrides the profile)")
	fs.DurationVar(&f.timeout, "timeout", durationOr(defaults.Config.Sharing.Timeout, 30*time.Second), "HTTP timeout for sharing server calls")
	fs.Var(&f.partitions, "partition", "partition constraint key=value (repeatable)")
	fs.Var(&f.predicates, "predicate", "predicate hint sent to the server (repeatable)")
	fs.Int64Var(&f.limit, "limit", 0, "row limit hint, also enforced locally")
	fs.Int64Var(&f.version, "version", -1, "table version to read")
	fs.IntVar(&f.maxResults, "max-results", 0, "page size for listings")
	fs.StringVar(&f.pageToken, "page-token", "", "page token from a previous listing")
	fs.Int64Var(&f.startingVersion, "starting-version", -1, "first version of a change feed")
	fs.Int64Var(&f.endingVersion, "ending-version", -1, "last version of a change feed")
	fs.StringVar(&f.startingTime, "starting-timestamp", "", "RFC 3339 start of a change feed or version lookup")
	fs.StringVar(&f.endingTime, "ending-timestamp", "", "RFC 3339 end of a change feed")
	fs.StringVar(&f.format, "format", "rows", "load output: rows or arrow")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	r := &runner{defaults: defaults, flags: f, stdout: stdout, stderr: stderr}
	err := r.dispatch(ctx, strings.TrimSpace(fs.Arg(0)), fs.Args()[1:])
	if err == nil {
		return 0
	}

	var usage usageError
	if errors.As(err, &usage) {
		_, _ = fmt.Fprintf(stderr, "%s\n\n", usage.msg)
		writeUsage(stderr)
		return 2
	}
	var transportErr *client.TransportError
	if errors.As(err, &transportErr) && transportErr.StatusCode != 0 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", transportErr.StatusCode, strings.TrimSpace(transportErr.Body))
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
	return 1
}

type runner struct {
	defaults Options
	flags    flags
	stdout   io.Writer
	stderr   io.Writer

	logger *slog.Logger
	client *client.Client
}

func (r *runner) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "shares":
		return r.withClient(func() error {
			listing, err := r.client.ListShares(ctx, r.page())
			return r.writeListing(listing.Columns(), listing.Rows(), listing.NextPageToken, err)
		})
	case "share":
		if len(args) != 1 {
			return usageError{"share requires <share>"}
		}
		return r.withClient(func() error {
			share, err := r.client.GetShare(ctx, args[0])
			if err != nil {
				return err
			}
			return r.writeJSON(share)
		})
	case "schemas":
		if len(args) != 1 {
			return usageError{"schemas requires <share>"}
		}
		return r.withClient(func() error {
			listing, err := r.client.ListSchemas(ctx, args[0], r.page())
			return r.writeListing(listing.Columns(), listing.Rows(), listing.NextPageToken, err)
		})
	case "tables":
		if len(args) != 2 {
			return usageError{"tables requires <share> <schema>"}
		}
		return r.withClient(func() error {
			listing, err := r.client.ListTables(ctx, args[0], args[1], r.page())
			return r.writeListing(listing.Columns(), listing.Rows(), listing.NextPageToken, err)
		})
	case "all-tables":
		if len(args) != 1 {
			return usageError{"all-tables requires <share>"}
		}
		return r.withClient(func() error {
			listing, err := r.client.ListAllTables(ctx, args[0], r.page())
			return r.writeListing(listing.Columns(), listing.Rows(), listing.NextPageToken, err)
		})
	case "metadata":
		return r.withTable(args, 1, func(table protocol.Table) error {
			result, err := r.client.QueryTableMetadata(ctx, table)
			if err != nil {
				return err
			}
			return r.writeJSON(map[string]any{
				"table":    table.String(),
				"protocol": result.Protocol,
				"metadata": result.Metadata,
				"version":  result.TableVersion,
			})
		})
	case "version":
		return r.withTable(args, 1, func(table protocol.Table) error {
			version, err := r.client.QueryTableVersion(ctx, table, r.flags.startingTime)
			if err != nil {
				return err
			}
			return r.writeJSON(map[string]any{"table": table.String(), "version": version})
		})
	case "files":
		return r.withTable(args, 1, func(table protocol.Table) error {
			return r.files(ctx, table)
		})
	case "load":
		return r.withTable(args, 1, func(table protocol.Table) error {
			return r.load(ctx, table)
		})
	case "changes":
		return r.withTable(args, 1, func(table protocol.Table) error {
			return r.changes(ctx, table)
		})
	case "sql":
		if len(args) != 2 {
			return usageError{"sql requires <share.schema.table> <SQL>"}
		}
		return r.withTable(args[:1], 1, func(table protocol.Table) error {
			return r.sql(ctx, table, args[1])
		})
	case "export":
		return r.withTable(args, 1, func(table protocol.Table) error {
			return r.export(ctx, table)
		})
	default:
		return usageError{fmt.Sprintf("unknown command %q", command)}
	}
}

func (r *runner) withClient(run func() error) error {
	if err := r.connect(); err != nil {
		return err
	}
	return run()
}

func (r *runner) withTable(args []string, want int, run func(protocol.Table) error) error {
	if len(args) != want {
		return usageError{"expected <share.schema.table>"}
	}
	table, err := protocol.ParseTableURL(args[0])
	if err != nil {
		return usageError{err.Error()}
	}
	if err := r.connect(); err != nil {
		return err
	}
	return run(table)
}

func (r *runner) connect() error {
	cfg := r.defaults.Config
	cfg.Sharing.ProfileFile = strings.TrimSpace(r.flags.profileFile)
	cfg.Sharing.Endpoint = strings.TrimSpace(r.flags.endpoint)
	cfg.Sharing.BearerToken = strings.TrimSpace(r.flags.token)
	cfg.Sharing.Timeout = r.flags.timeout
	resolved, err := cfg.ResolveSharing()
	if err != nil {
		return err
	}

	r.logger = r.defaults.Logger
	if r.logger == nil {
		r.logger = observability.DiscardLogger()
	}

	var source oauth2.TokenSource
	if resolved.BearerToken != "" {
		source = auth.NewTokenSource(resolved.BearerToken, resolved.TokenExpiry)
	}
	r.client, err = client.New(client.Config{
		Endpoint:    resolved.Endpoint,
		TokenSource: source,
		Timeout:     resolved.Timeout,
		UserAgent:   resolved.UserAgent,
		Logger:      r.logger,
		HTTPClient:  r.defaults.HTTPClient,
	})
	return err
}

func (r *runner) page() client.PageOptions {
	return client.PageOptions{MaxResults: r.flags.maxResults, PageToken: r.flags.pageToken}
}

func (r *runner) loadOptions() (sharing.LoadOptions, error) {
	partitions, err := filter.ParsePartitions(r.flags.partitions)
	if err != nil {
		return sharing.LoadOptions{}, usageError{err.Error()}
	}
	opts := sharing.LoadOptions{Partitions: partitions, PredicateHints: r.flags.predicates}
	if r.flags.limit > 0 {
		limit := r.flags.limit
		opts.LimitHint = &limit
	}
	if r.flags.version >= 0 {
		version := r.flags.version
		opts.Version = &version
	}
	return opts, nil
}

func (r *runner) fetcher() storage.Fetcher {
	if r.defaults.Fetcher != nil {
		return r.defaults.Fetcher
	}
	return httpfetch.New(r.defaults.Config.Download.Timeout, r.logger)
}

func (r *runner) reader() (*sharing.Reader, error) {
	m, err := materialize.New(materialize.Config{
		Fetcher: r.fetcher(),
		FS:      r.defaults.FS,
		TempDir: r.defaults.Config.Download.TempDir,
		Logger:  r.logger,
	})
	if err != nil {
		return nil, err
	}
	return sharing.NewReader(r.client, m, r.logger)
}

func (r *runner) files(ctx context.Context, table protocol.Table) error {
	opts, err := r.loadOptions()
	if err != nil {
		return err
	}
	reader, err := r.reader()
	if err != nil {
		return err
	}
	set, err := reader.ListFiles(ctx, table, opts)
	if err != nil {
		return err
	}
	return r.writeJSON(map[string]any{
		"table":   table.String(),
		"version": set.Version,
		"outcome": set.Outcome,
		"total":   set.Total,
		"files":   set.Files,
	})
}

func (r *runner) load(ctx context.Context, table protocol.Table) error {
	opts, err := r.loadOptions()
	if err != nil {
		return err
	}
	reader, err := r.reader()
	if err != nil {
		return err
	}

	switch r.flags.format {
	case "rows":
		result, err := reader.LoadRows(ctx, table, opts)
		if err != nil {
			return err
		}
		r.warn(result.Table.Report)
		return r.writeJSON(map[string]any{
			"table":   table.String(),
			"version": result.Files.Version,
			"outcome": result.Files.Outcome,
			"columns": result.Table.Columns,
			"rows":    result.Table.Rows,
			"report":  reportJSON(result.Table.Report),
		})
	case "arrow":
		result, err := reader.LoadArrow(ctx, table, opts)
		if err != nil {
			return err
		}
		defer result.Release()
		r.warn(result.Table.Report)
		return r.writeJSON(map[string]any{
			"table":   table.String(),
			"version": result.Files.Version,
			"outcome": result.Files.Outcome,
			"schema":  schemaJSON(result.Table.Table.Schema()),
			"numRows": result.Table.Table.NumRows(),
			"report":  reportJSON(result.Table.Report),
		})
	default:
		return usageError{fmt.Sprintf("unknown format %q: expected rows or arrow", r.flags.format)}
	}
}

func (r *runner) changes(ctx context.Context, table protocol.Table) error {
	opts := client.ChangesOptions{StartingTimestamp: r.flags.startingTime, EndingTimestamp: r.flags.endingTime}
	if r.flags.startingVersion >= 0 {
		v := r.flags.startingVersion
		opts.StartingVersion = &v
	}
	if r.flags.endingVersion >= 0 {
		v := r.flags.endingVersion
		opts.EndingVersion = &v
	}
	if opts.StartingVersion == nil && opts.StartingTimestamp == "" {
		return usageError{"changes requires -starting-version or -starting-timestamp"}
	}

	reader, err := r.reader()
	if err != nil {
		return err
	}
	result, err := reader.LoadChanges(ctx, table, opts)
	if err != nil {
		return err
	}
	r.warn(result.Table.Report)
	return r.writeJSON(map[string]any{
		"table":   table.String(),
		"actions": result.Actions,
		"columns": result.Table.Columns,
		"rows":    result.Table.Rows,
		"report":  reportJSON(result.Table.Report),
	})
}

func (r *runner) sql(ctx context.Context, table protocol.Table, sqlText string) error {
	opts, err := r.loadOptions()
	if err != nil {
		return err
	}
	reader, err := r.reader()
	if err != nil {
		return err
	}
	set, err := reader.ListFiles(ctx, table, opts)
	if err != nil {
		return err
	}

	request := query.Request{SQL: sqlText, Files: make([]query.TableFile, 0, len(set.Files))}
	if r.flags.limit > 0 {
		request.RowLimit = int(r.flags.limit)
	}
	for _, file := range set.Files {
		request.Files = append(request.Files, query.TableFile{TableName: table.Name, URL: file.URL, FileSizeBytes: file.Size})
	}
	if len(request.Files) == 0 {
		empty, ok := emptyTable(table.Name, set.Metadata)
		if !ok {
			// Without a schema there is nothing to bind the SQL to.
			return r.writeJSON(map[string]any{
				"outcome":      set.Outcome,
				"columns":      []string{},
				"rows":         [][]any{},
				"scannedFiles": 0,
				"scannedBytes": 0,
			})
		}
		request.EmptyTables = append(request.EmptyTables, empty)
	}

	var engine query.Engine = duckdb.NewEngine(r.fetcher(), r.defaults.Config.Download.TempDir, r.logger)
	result, err := engine.Execute(ctx, request)
	if err != nil {
		return err
	}
	return r.writeJSON(map[string]any{
		"outcome":      set.Outcome,
		"columns":      result.Columns,
		"rows":         result.Rows,
		"scannedFiles": result.ScannedFiles,
		"scannedBytes": result.ScannedBytes,
		"durationMs":   result.Duration.Milliseconds(),
	})
}

func emptyTable(name string, metadata *protocol.Metadata) (query.EmptyTable, bool) {
	if metadata == nil || metadata.SchemaString == "" {
		return query.EmptyTable{}, false
	}
	schema, err := metadata.ParseSchema()
	if err != nil || len(schema.Fields) == 0 {
		return query.EmptyTable{}, false
	}
	empty := query.EmptyTable{TableName: name, Columns: make([]query.Column, 0, len(schema.Fields))}
	for _, field := range schema.Fields {
		empty.Columns = append(empty.Columns, query.Column{Name: field.Name, Type: field.TypeName()})
	}
	return empty, true
}

func (r *runner) export(ctx context.Context, table protocol.Table) error {
	opts, err := r.loadOptions()
	if err != nil {
		return err
	}
	store := r.defaults.ObjectStore
	if store == nil {
		s3Store, err := s3.New(ctx, r.defaults.Config.ObjectStore)
		if err != nil {
			return err
		}
		store = s3Store
	}
	exporter, err := export.NewExporter(store, r.logger)
	if err != nil {
		return err
	}
	reader, err := r.reader()
	if err != nil {
		return err
	}

	result, err := reader.LoadArrow(ctx, table, opts)
	if err != nil {
		return err
	}
	defer result.Release()
	r.warn(result.Table.Report)

	version := result.Files.Version
	if opts.Version != nil {
		version = opts.Version
	}
	info, err := exporter.Export(ctx, table, version, result.Table.Table)
	if err != nil {
		return err
	}
	return r.writeJSON(map[string]any{
		"table":  table.String(),
		"key":    info.Key,
		"uri":    info.URI,
		"bytes":  info.Size,
		"rows":   result.Table.Table.NumRows(),
		"report": reportJSON(result.Table.Report),
	})
}

func (r *runner) warn(report materialize.Report) {
	if report.Failed == 0 {
		return
	}
	_, _ = fmt.Fprintf(r.stderr, "warning: %d of %d data files could not be read\n", report.Failed, report.Files)
	for _, warning := range report.Warnings {
		_, _ = fmt.Fprintf(r.stderr, "  %s\n", warning.Error())
	}
}

func (r *runner) writeListing(columns []string, rows [][]any, nextPageToken string, err error) error {
	if err != nil {
		return err
	}
	out := map[string]any{"columns": columns, "rows": rows}
	if nextPageToken != "" {
		out["nextPageToken"] = nextPageToken
	}
	return r.writeJSON(out)
}

func (r *runner) writeJSON(value any) error {
	formatted, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, _ = fmt.Fprintln(r.stdout, string(formatted))
	return nil
}

func reportJSON(report materialize.Report) map[string]any {
	warnings := make([]map[string]string, 0, len(report.Warnings))
	for _, warning := range report.Warnings {
		warnings = append(warnings, map[string]string{
			"url":   storage.RedactURL(warning.URL),
			"stage": string(warning.Stage),
			"error": warning.Err.Error(),
		})
	}
	return map[string]any{
		"files":     report.Files,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"warnings":  warnings,
	}
}

func schemaJSON(schema *arrow.Schema) []map[string]any {
	fields := make([]map[string]any, 0, schema.NumFields())
	for _, field := range schema.Fields() {
		fields = append(fields, map[string]any{
			"name":     field.Name,
			"type":     field.Type.String(),
			"nullable": field.Nullable,
		})
	}
	return fields
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: deltasharectl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  shares                          list shares")
	_, _ = fmt.Fprintln(w, "  share <share>                   get one share")
	_, _ = fmt.Fprintln(w, "  schemas <share>                 list schemas in a share")
	_, _ = fmt.Fprintln(w, "  tables <share> <schema>         list tables in a schema")
	_, _ = fmt.Fprintln(w, "  all-tables <share>              list every table in a share")
	_, _ = fmt.Fprintln(w, "  metadata <share.schema.table>   protocol and metadata of a table")
	_, _ = fmt.Fprintln(w, "  version <share.schema.table>    current table version")
	_, _ = fmt.Fprintln(w, "  files <share.schema.table>      data files after partition filtering")
	_, _ = fmt.Fprintln(w, "  load <share.schema.table>       materialize a table (-format rows|arrow)")
	_, _ = fmt.Fprintln(w, "  changes <share.schema.table>    materialize the change data feed")
	_, _ = fmt.Fprintln(w, "  sql <share.schema.table> <SQL>  run SQL with the table as a view")
	_, _ = fmt.Fprintln(w, "  export <share.schema.table>     write the table as parquet to the object store")
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
