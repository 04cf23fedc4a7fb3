package duckdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/deltashare/internal/query"
)

type row struct {
	ID    int64  `parquet:"id"`
	Value string `parquet:"value"`
}

func TestExecuteReadsSignedURLFiles(t *testing.T) {
	fetcher := fakeFetcher{
		"https://store/events/1.parquet?sig=a": buildParquet(t, []row{{ID: 1, Value: "a"}, {ID: 2, Value: "b"}}),
		"https://store/events/2.parquet?sig=b": buildParquet(t, []row{{ID: 3, Value: "c"}}),
	}
	tempDir := t.TempDir()
	engine := NewEngine(fetcher, tempDir, nil)

	result, err := engine.Execute(context.Background(), query.Request{
		SQL: "SELECT COUNT(*) AS c, MAX(id) AS m FROM events",
		Files: []query.TableFile{
			{TableName: "events", URL: "https://store/events/1.parquet?sig=a"},
			{TableName: "events", URL: "https://store/events/2.parquet?sig=b"},
		},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
	if result.Rows[0][0] != int64(3) || result.Rows[0][1] != int64(3) {
		t.Fatalf("row = %#v", result.Rows[0])
	}
	if result.ScannedFiles != 2 || result.ScannedBytes == 0 {
		t.Fatalf("scanned files=%d bytes=%d", result.ScannedFiles, result.ScannedBytes)
	}
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("work dir left behind: %d entries", len(entries))
	}
}

func TestExecuteSupportsTrailingSemicolonWithRowLimit(t *testing.T) {
	fetcher := fakeFetcher{"https://store/1.parquet": buildParquet(t, []row{{ID: 1, Value: "a"}, {ID: 2, Value: "b"}, {ID: 3, Value: "c"}})}
	engine := NewEngine(fetcher, t.TempDir(), nil)

	result, err := engine.Execute(context.Background(), query.Request{
		SQL:      "SELECT value FROM events ORDER BY id;",
		RowLimit: 2,
		Files:    []query.TableFile{{TableName: "events", URL: "https://store/1.parquet"}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 2 || result.Rows[0][0] != "a" {
		t.Fatalf("rows = %#v", result.Rows)
	}
	if len(result.Columns) != 1 || result.Columns[0] != "value" {
		t.Fatalf("columns = %v", result.Columns)
	}
}

func TestExecuteJoinsTwoTables(t *testing.T) {
	fetcher := fakeFetcher{
		"https://store/a.parquet": buildParquet(t, []row{{ID: 1, Value: "left"}}),
		"https://store/b.parquet": buildParquet(t, []row{{ID: 1, Value: "right"}}),
	}
	engine := NewEngine(fetcher, t.TempDir(), nil)

	result, err := engine.Execute(context.Background(), query.Request{
		SQL: `SELECT a.value, b.value FROM "a" JOIN "b" USING (id)`,
		Files: []query.TableFile{
			{TableName: "a", URL: "https://store/a.parquet"},
			{TableName: "b", URL: "https://store/b.parquet"},
		},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != "left" || result.Rows[0][1] != "right" {
		t.Fatalf("rows = %#v", result.Rows)
	}
}

func TestExecuteFailsOnDownloadError(t *testing.T) {
	engine := NewEngine(fakeFetcher{}, t.TempDir(), nil)
	_, err := engine.Execute(context.Background(), query.Request{
		SQL:   "SELECT 1",
		Files: []query.TableFile{{TableName: "events", URL: "https://store/missing.parquet?sig=secret"}},
	})
	if err == nil {
		t.Fatal("expected download error")
	}
	if bytes.Contains([]byte(err.Error()), []byte("secret")) {
		t.Fatalf("error leaks signature: %v", err)
	}
}

func TestExecuteValidatesRequest(t *testing.T) {
	engine := NewEngine(fakeFetcher{}, t.TempDir(), nil)
	if _, err := engine.Execute(context.Background(), query.Request{SQL: " ; "}); err == nil {
		t.Fatal("expected sql required error")
	}
	if _, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT 1"}); err == nil {
		t.Fatal("expected no files error")
	}
}

func TestExecuteQueriesEmptyTableWithoutFiles(t *testing.T) {
	engine := NewEngine(fakeFetcher{}, t.TempDir(), nil)
	result, err := engine.Execute(context.Background(), query.Request{
		SQL: "SELECT COUNT(*) AS c, MAX(id) AS m FROM events",
		EmptyTables: []query.EmptyTable{{
			TableName: "events",
			Columns:   []query.Column{{Name: "id", Type: "long"}, {Name: "price", Type: "decimal(10,2)"}, {Name: "tags", Type: "array"}},
		}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != int64(0) || result.Rows[0][1] != nil {
		t.Fatalf("rows = %#v", result.Rows)
	}
	if result.ScannedFiles != 0 {
		t.Fatalf("ScannedFiles = %d", result.ScannedFiles)
	}
}

func TestEmptyViewSQL(t *testing.T) {
	got, err := emptyViewSQL(query.EmptyTable{TableName: "events", Columns: []query.Column{{Name: "id", Type: "long"}, {Name: "day", Type: "date"}}})
	if err != nil {
		t.Fatalf("emptyViewSQL() error = %v", err)
	}
	want := `CREATE OR REPLACE VIEW "events" AS SELECT CAST(NULL AS BIGINT) AS "id", CAST(NULL AS DATE) AS "day" WHERE false`
	if got != want {
		t.Fatalf("emptyViewSQL() = %s", got)
	}
	if _, err := emptyViewSQL(query.EmptyTable{TableName: "events"}); err == nil {
		t.Fatal("expected error for table without columns")
	}
	if duckType("decimal(38,18)") != "DECIMAL(38,18)" || duckType("struct") != "VARCHAR" {
		t.Fatalf("duckType() mapping unexpected")
	}
}

func TestQuoteHelpers(t *testing.T) {
	if got := quoteIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("quoteIdent() = %s", got)
	}
	if got := quoteStringArray([]string{"a", "it's"}); got != `['a','it''s']` {
		t.Fatalf("quoteStringArray() = %s", got)
	}
}

func buildParquet(t *testing.T, rows []row) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[row](buf)
	if _, err := writer.Write(rows); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close parquet writer: %v", err)
	}
	return buf.Bytes()
}

type fakeFetcher map[string][]byte

func (f fakeFetcher) Fetch(_ context.Context, url string) (io.ReadCloser, int64, error) {
	payload, ok := f[url]
	if !ok {
		return nil, 0, fmt.Errorf("http 403")
	}
	return io.NopCloser(bytes.NewReader(payload)), int64(len(payload)), nil
}
