package materialize

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	arrowparquet "github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/spf13/afero"

	"github.com/duckmesh/deltashare/internal/observability"
	"github.com/duckmesh/deltashare/internal/protocol"
)

const arrowChunkRows = 64 * 1024

// ArrowTable owns Table; callers must Release it.
type ArrowTable struct {
	Table  arrow.Table
	Report Report
}

func (t ArrowTable) Release() {
	if t.Table != nil {
		t.Table.Release()
	}
}

// Arrow downloads and decodes files with pqarrow. The result is assembled from the
// record batches of every file without copying cell data.
func (m *Materializer) Arrow(ctx context.Context, files []protocol.File, opts Options) (ArrowTable, error) {
	var schema *arrow.Schema
	records := make([]arrow.Record, 0)
	var rows int64
	defer func() {
		for _, record := range records {
			record.Release()
		}
	}()

	done := func() bool { return opts.Limit > 0 && rows >= opts.Limit }
	report, err := m.each(ctx, files, done, func(local afero.File, _ int64, file protocol.File) error {
		fileSchema, decoded, err := m.decodeArrow(ctx, local, file, opts)
		if err != nil {
			return err
		}
		if schema == nil {
			schema = fileSchema
		} else if err := sameArrowColumns(schema, fileSchema); err != nil {
			releaseRecords(decoded)
			return err
		}
		for _, record := range decoded {
			if done() {
				record.Release()
				continue
			}
			if opts.Limit > 0 && rows+record.NumRows() > opts.Limit {
				sliced := record.NewSlice(0, opts.Limit-rows)
				record.Release()
				record = sliced
			}
			conformed := array.NewRecord(schema, record.Columns(), record.NumRows())
			record.Release()
			records = append(records, conformed)
			rows += conformed.NumRows()
		}
		return nil
	})
	if err != nil {
		return ArrowTable{}, err
	}

	if schema == nil {
		schema = arrowSchemaFromDelta(opts.Schema)
	}
	table := array.NewTableFromRecords(schema, records)
	observability.ObserveRowsMaterialized(table.NumRows())
	return ArrowTable{Table: table, Report: report}, nil
}

func (m *Materializer) decodeArrow(ctx context.Context, local afero.File, file protocol.File, opts Options) (*arrow.Schema, []arrow.Record, error) {
	tbl, err := pqarrow.ReadTable(ctx, local, arrowparquet.NewReaderProperties(m.alloc), pqarrow.ArrowReadProperties{}, m.alloc)
	if err != nil {
		return nil, nil, fmt.Errorf("read parquet file: %w", err)
	}
	defer tbl.Release()

	fields := tbl.Schema().Fields()
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		names = append(names, field.Name)
	}
	missing := missingPartitions(opts.PartitionColumns, names)
	for _, name := range missing {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true})
		names = append(names, name)
	}
	order := columnOrder(names, opts.TrailingColumns)
	if order != nil {
		fields = permute(fields, order)
	}
	schema := arrow.NewSchema(fields, nil)

	reader := array.NewTableReader(tbl, arrowChunkRows)
	defer reader.Release()

	records := make([]arrow.Record, 0)
	for reader.Next() {
		record := reader.Record()
		columns := make([]arrow.Array, 0, len(fields))
		columns = append(columns, record.Columns()...)
		extras := make([]arrow.Array, 0, len(missing))
		for _, name := range missing {
			extra := m.constantString(partitionValue(file, name), record.NumRows())
			columns = append(columns, extra)
			extras = append(extras, extra)
		}
		if order != nil {
			columns = permute(columns, order)
		}
		records = append(records, array.NewRecord(schema, columns, record.NumRows()))
		for _, extra := range extras {
			extra.Release()
		}
	}
	if err := reader.Err(); err != nil {
		releaseRecords(records)
		return nil, nil, fmt.Errorf("read record batches: %w", err)
	}
	return schema, records, nil
}

func (m *Materializer) constantString(value any, rows int64) arrow.Array {
	builder := array.NewStringBuilder(m.alloc)
	defer builder.Release()
	builder.Reserve(int(rows))
	text, ok := value.(string)
	for i := int64(0); i < rows; i++ {
		if ok {
			builder.Append(text)
		} else {
			builder.AppendNull()
		}
	}
	return builder.NewArray()
}

func releaseRecords(records []arrow.Record) {
	for _, record := range records {
		record.Release()
	}
}

func sameArrowColumns(want, got *arrow.Schema) error {
	if want.NumFields() != got.NumFields() {
		return mismatch("expected %d columns, file has %d", want.NumFields(), got.NumFields())
	}
	for i := 0; i < want.NumFields(); i++ {
		a, b := want.Field(i), got.Field(i)
		if a.Name != b.Name || !arrow.TypeEqual(a.Type, b.Type) {
			return mismatch("column %d is %s %s, file has %s %s", i, a.Name, a.Type, b.Name, b.Type)
		}
	}
	return nil
}

// arrowSchemaFromDelta builds the column set of an empty result. Nested Delta types
// have no row-level counterpart here and are carried as strings.
func arrowSchemaFromDelta(schema *protocol.StructType) *arrow.Schema {
	if schema == nil {
		return arrow.NewSchema(nil, nil)
	}
	fields := make([]arrow.Field, 0, len(schema.Fields))
	for _, field := range schema.Fields {
		fields = append(fields, arrow.Field{Name: field.Name, Type: arrowType(field.PrimitiveType()), Nullable: field.Nullable})
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(deltaType string) arrow.DataType {
	switch deltaType {
	case "string":
		return arrow.BinaryTypes.String
	case "binary":
		return arrow.BinaryTypes.Binary
	case "boolean":
		return arrow.FixedWidthTypes.Boolean
	case "byte":
		return arrow.PrimitiveTypes.Int8
	case "short":
		return arrow.PrimitiveTypes.Int16
	case "integer":
		return arrow.PrimitiveTypes.Int32
	case "long":
		return arrow.PrimitiveTypes.Int64
	case "float":
		return arrow.PrimitiveTypes.Float32
	case "double":
		return arrow.PrimitiveTypes.Float64
	case "date":
		return arrow.FixedWidthTypes.Date32
	case "timestamp":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case "timestamp_ntz":
		return &arrow.TimestampType{Unit: arrow.Microsecond}
	}
	if strings.HasPrefix(deltaType, "decimal(") {
		var precision, scale int32
		if _, err := fmt.Sscanf(deltaType, "decimal(%d,%d)", &precision, &scale); err == nil {
			return &arrow.Decimal128Type{Precision: precision, Scale: scale}
		}
	}
	return arrow.BinaryTypes.String
}
