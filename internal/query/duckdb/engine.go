package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/spf13/afero"

	"github.com/duckmesh/deltashare/internal/observability"
	"github.com/duckmesh/deltashare/internal/query"
	"github.com/duckmesh/deltashare/internal/storage"
)

// Engine downloads the requested files to a private work directory and queries them
// with an in-process DuckDB. Unlike table loads, any failed download fails the query.
type Engine struct {
	fetcher storage.Fetcher
	fs      afero.Fs
	tempDir string
	logger  *slog.Logger
}

func NewEngine(fetcher storage.Fetcher, tempDir string, logger *slog.Logger) *Engine {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	// DuckDB opens the staged files by path, so they must live on the OS filesystem.
	return &Engine{fetcher: fetcher, fs: afero.NewOsFs(), tempDir: tempDir, logger: logger}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if len(request.Files) == 0 && len(request.EmptyTables) == 0 {
		return query.Result{}, fmt.Errorf("no data files to query")
	}
	if e.fetcher == nil {
		return query.Result{}, fmt.Errorf("fetcher is required")
	}

	start := time.Now()
	if err := e.fs.MkdirAll(e.tempDir, 0o700); err != nil {
		return query.Result{}, fmt.Errorf("create temp dir: %w", err)
	}
	workDir, err := afero.TempDir(e.fs, e.tempDir, "deltashare-query-")
	if err != nil {
		return query.Result{}, fmt.Errorf("create query work dir: %w", err)
	}
	defer func() { _ = e.fs.RemoveAll(workDir) }()

	staged, scannedBytes, err := e.stage(ctx, workDir, request.Files)
	if err != nil {
		return query.Result{}, err
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return query.Result{}, fmt.Errorf("open duckdb: %w", err)
	}
	defer func() { _ = db.Close() }()

	tableNames := make([]string, 0, len(staged))
	for name := range staged {
		tableNames = append(tableNames, name)
	}
	sort.Strings(tableNames)
	for _, name := range tableNames {
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s, union_by_name = true)`, quoteIdent(name), quoteStringArray(staged[name]))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return query.Result{}, fmt.Errorf("create view for table %q: %w", name, err)
		}
	}

	for _, empty := range request.EmptyTables {
		if _, ok := staged[empty.TableName]; ok {
			continue
		}
		viewSQL, err := emptyViewSQL(empty)
		if err != nil {
			return query.Result{}, err
		}
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			return query.Result{}, fmt.Errorf("create empty view for table %q: %w", empty.TableName, err)
		}
	}

	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, request.RowLimit)
	}
	columns, rows, err := runQuery(ctx, db, sqlText)
	if err != nil {
		return query.Result{}, err
	}

	e.logger.DebugContext(ctx, "sql_query_executed",
		slog.Int("files", len(request.Files)),
		slog.Int("rows", len(rows)),
		slog.Duration("duration", time.Since(start)),
	)
	return query.Result{
		Columns:      columns,
		Rows:         rows,
		ScannedFiles: len(request.Files),
		ScannedBytes: scannedBytes,
		Duration:     time.Since(start),
	}, nil
}

// stage downloads every file into workDir and groups the local paths by table name.
func (e *Engine) stage(ctx context.Context, workDir string, files []query.TableFile) (map[string][]string, int64, error) {
	staged := map[string][]string{}
	var total int64
	for index, file := range files {
		if strings.TrimSpace(file.TableName) == "" {
			return nil, 0, fmt.Errorf("file %d has no table name", index)
		}
		localPath := filepath.Join(workDir, fmt.Sprintf("part-%05d.parquet", index))
		written, err := e.download(ctx, file.URL, localPath)
		if err != nil {
			return nil, 0, fmt.Errorf("download %s: %w", storage.RedactURL(file.URL), err)
		}
		observability.ObserveFileDownloaded(written)
		staged[file.TableName] = append(staged[file.TableName], localPath)
		total += written
	}
	return staged, total, nil
}

func (e *Engine) download(ctx context.Context, url, localPath string) (int64, error) {
	body, _, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	local, err := e.fs.Create(localPath)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(local, body)
	if closeErr := local.Close(); err == nil {
		err = closeErr
	}
	return written, err
}

func runQuery(ctx context.Context, db *sql.DB, sqlText string) ([]string, [][]any, error) {
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}
	out := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		for i, value := range values {
			if raw, ok := value.([]byte); ok {
				values[i] = string(raw)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, out, nil
}

// emptyViewSQL declares a view with the table's columns and no rows.
func emptyViewSQL(table query.EmptyTable) (string, error) {
	if strings.TrimSpace(table.TableName) == "" {
		return "", fmt.Errorf("empty table has no name")
	}
	if len(table.Columns) == 0 {
		return "", fmt.Errorf("empty table %q has no columns", table.TableName)
	}
	columns := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		columns = append(columns, fmt.Sprintf("CAST(NULL AS %s) AS %s", duckType(column.Type), quoteIdent(column.Name)))
	}
	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT %s WHERE false", quoteIdent(table.TableName), strings.Join(columns, ", ")), nil
}

// duckType maps a Delta primitive type name to a DuckDB type. Nested and unknown
// types become VARCHAR.
func duckType(deltaType string) string {
	switch deltaType {
	case "string":
		return "VARCHAR"
	case "binary":
		return "BLOB"
	case "boolean":
		return "BOOLEAN"
	case "byte":
		return "TINYINT"
	case "short":
		return "SMALLINT"
	case "integer":
		return "INTEGER"
	case "long":
		return "BIGINT"
	case "float":
		return "FLOAT"
	case "double":
		return "DOUBLE"
	case "date":
		return "DATE"
	case "timestamp":
		return "TIMESTAMPTZ"
	case "timestamp_ntz":
		return "TIMESTAMP"
	}
	var precision, scale int
	if _, err := fmt.Sscanf(deltaType, "decimal(%d,%d)", &precision, &scale); err == nil && precision > 0 && scale >= 0 && scale <= precision {
		return fmt.Sprintf("DECIMAL(%d,%d)", precision, scale)
	}
	return "VARCHAR"
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
