// Package query runs SQL over the data files of shared tables.
package query

import (
	"context"
	"time"
)

// TableFile is one data file of a table exposed to SQL under TableName.
type TableFile struct {
	TableName     string
	URL           string
	FileSizeBytes int64
}

// EmptyTable is a table exposed to SQL with no data files, typically because a
// partition filter left nothing. Column types are Delta primitive type names.
type EmptyTable struct {
	TableName string
	Columns   []Column
}

type Column struct {
	Name string
	Type string
}

type Request struct {
	SQL         string
	RowLimit    int
	Files       []TableFile
	EmptyTables []EmptyTable
}

type Result struct {
	Columns      []string
	Rows         [][]any
	ScannedFiles int
	ScannedBytes int64
	Duration     time.Duration
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}
