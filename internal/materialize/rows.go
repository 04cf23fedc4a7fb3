package materialize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/spf13/afero"

	"github.com/duckmesh/deltashare/internal/observability"
	"github.com/duckmesh/deltashare/internal/protocol"
)

const rowBatchSize = 256

type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RowTable is a materialized table as rows of Go values. Null cells are nil.
type RowTable struct {
	Columns []Column
	Rows    [][]any
	Report  Report
}

func (t RowTable) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, column := range t.Columns {
		names = append(names, column.Name)
	}
	return names
}

// Rows downloads and decodes files with parquet-go. Only flat schemas are supported
// in row mode; a file with nested columns is dropped as a decode failure.
func (m *Materializer) Rows(ctx context.Context, files []protocol.File, opts Options) (RowTable, error) {
	table := RowTable{Rows: make([][]any, 0)}
	var established []Column

	done := func() bool { return opts.Limit > 0 && int64(len(table.Rows)) >= opts.Limit }
	report, err := m.each(ctx, files, done, func(local afero.File, size int64, file protocol.File) error {
		decoded, err := decodeRows(local, size, file, opts)
		if err != nil {
			return err
		}
		if established == nil {
			established = decoded.columns
		} else if err := sameColumns(established, decoded.columns); err != nil {
			return err
		}
		for _, row := range decoded.rows {
			if done() {
				break
			}
			table.Rows = append(table.Rows, row)
		}
		return nil
	})
	if err != nil {
		return RowTable{}, err
	}

	table.Report = report
	table.Columns = established
	if table.Columns == nil {
		table.Columns = columnsFromSchema(opts.Schema)
	}
	observability.ObserveRowsMaterialized(int64(len(table.Rows)))
	return table, nil
}

type decodedRows struct {
	columns []Column
	rows    [][]any
}

type leafColumn struct {
	column  Column
	convert func(parquet.Value) any
}

func decodeRows(local afero.File, size int64, file protocol.File, opts Options) (decodedRows, error) {
	pf, err := parquet.OpenFile(local, size)
	if err != nil {
		return decodedRows{}, fmt.Errorf("open parquet file: %w", err)
	}

	fields := pf.Schema().Fields()
	leaves := make([]leafColumn, 0, len(fields))
	names := make([]string, 0, len(fields))
	for _, field := range fields {
		if !field.Leaf() {
			return decodedRows{}, fmt.Errorf("column %q is nested; use arrow mode", field.Name())
		}
		leaves = append(leaves, leafFor(field))
		names = append(names, field.Name())
	}

	missing := missingPartitions(opts.PartitionColumns, names)
	columns := make([]Column, 0, len(leaves)+len(missing))
	for _, leaf := range leaves {
		columns = append(columns, leaf.column)
	}
	partitionCells := make([]any, 0, len(missing))
	for _, name := range missing {
		columns = append(columns, Column{Name: name, Type: "string"})
		partitionCells = append(partitionCells, partitionValue(file, name))
		names = append(names, name)
	}
	order := columnOrder(names, opts.TrailingColumns)
	if order != nil {
		columns = permute(columns, order)
	}

	capacity := pf.NumRows()
	if opts.Limit > 0 && opts.Limit < capacity {
		capacity = opts.Limit
	}
	out := decodedRows{columns: columns, rows: make([][]any, 0, capacity)}
	buffer := make([]parquet.Row, rowBatchSize)
	for _, group := range pf.RowGroups() {
		if err := readGroup(group, leaves, partitionCells, order, buffer, &out, opts.Limit); err != nil {
			return decodedRows{}, err
		}
		if opts.Limit > 0 && int64(len(out.rows)) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func readGroup(group parquet.RowGroup, leaves []leafColumn, partitionCells []any, order []int, buffer []parquet.Row, out *decodedRows, limit int64) error {
	rows := group.Rows()
	defer func() { _ = rows.Close() }()

	width := len(leaves) + len(partitionCells)
	for {
		n, err := rows.ReadRows(buffer)
		for _, row := range buffer[:n] {
			cells := make([]any, width)
			for _, value := range row {
				index := value.Column()
				if index < 0 || index >= len(leaves) {
					continue
				}
				cells[index] = leaves[index].convert(value)
			}
			copy(cells[len(leaves):], partitionCells)
			if order != nil {
				cells = permute(cells, order)
			}
			out.rows = append(out.rows, cells)
			if limit > 0 && int64(len(out.rows)) >= limit {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read rows: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

func permute[T any](values []T, order []int) []T {
	out := make([]T, len(order))
	for i, index := range order {
		out[i] = values[index]
	}
	return out
}

func partitionValue(file protocol.File, name string) any {
	value, ok := file.PartitionValues[name]
	if !ok {
		return nil
	}
	return value
}

func sameColumns(want, got []Column) error {
	if len(want) != len(got) {
		return mismatch("expected %d columns, file has %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			return mismatch("column %d is %s %s, file has %s %s", i, want[i].Name, want[i].Type, got[i].Name, got[i].Type)
		}
	}
	return nil
}

// leafFor picks the Go representation of a parquet leaf column. Type names follow
// the Delta primitive type names.
func leafFor(field parquet.Field) leafColumn {
	typ := field.Type()
	name := field.Name()
	logical := typ.LogicalType()

	switch {
	case logical != nil && logical.UTF8 != nil:
		return leafColumn{Column{name, "string"}, func(v parquet.Value) any {
			if v.IsNull() {
				return nil
			}
			return string(v.ByteArray())
		}}
	case logical != nil && logical.Date != nil:
		return leafColumn{Column{name, "date"}, func(v parquet.Value) any {
			if v.IsNull() {
				return nil
			}
			return time.Unix(int64(v.Int32())*86400, 0).UTC()
		}}
	case logical != nil && logical.Decimal != nil:
		scale := int(logical.Decimal.Scale)
		kind := typ.Kind()
		column := Column{name, fmt.Sprintf("decimal(%d,%d)", logical.Decimal.Precision, scale)}
		return leafColumn{column, nullable(func(v parquet.Value) any {
			return formatDecimal(unscaledDecimal(kind, v), scale)
		})}
	case logical != nil && logical.Integer != nil && logical.Integer.IsSigned && logical.Integer.BitWidth == 8:
		return leafColumn{Column{name, "byte"}, nullable(func(v parquet.Value) any { return int8(v.Int32()) })}
	case logical != nil && logical.Integer != nil && logical.Integer.IsSigned && logical.Integer.BitWidth == 16:
		return leafColumn{Column{name, "short"}, nullable(func(v parquet.Value) any { return int16(v.Int32()) })}
	case logical != nil && logical.Timestamp != nil:
		unit := time.Microsecond
		switch {
		case logical.Timestamp.Unit.Millis != nil:
			unit = time.Millisecond
		case logical.Timestamp.Unit.Nanos != nil:
			unit = time.Nanosecond
		}
		return leafColumn{Column{name, "timestamp"}, func(v parquet.Value) any {
			if v.IsNull() {
				return nil
			}
			return time.Unix(0, v.Int64()*int64(unit)).UTC()
		}}
	}

	switch typ.Kind() {
	case parquet.Boolean:
		return leafColumn{Column{name, "boolean"}, nullable(func(v parquet.Value) any { return v.Boolean() })}
	case parquet.Int32:
		return leafColumn{Column{name, "integer"}, nullable(func(v parquet.Value) any { return v.Int32() })}
	case parquet.Int64:
		return leafColumn{Column{name, "long"}, nullable(func(v parquet.Value) any { return v.Int64() })}
	case parquet.Int96:
		return leafColumn{Column{name, "timestamp"}, nullable(func(v parquet.Value) any {
			raw := v.Int96()
			return int96Time(raw[0], raw[1], raw[2])
		})}
	case parquet.Float:
		return leafColumn{Column{name, "float"}, nullable(func(v parquet.Value) any { return v.Float() })}
	case parquet.Double:
		return leafColumn{Column{name, "double"}, nullable(func(v parquet.Value) any { return v.Double() })}
	default:
		return leafColumn{Column{name, "binary"}, nullable(func(v parquet.Value) any { return bytes.Clone(v.ByteArray()) })}
	}
}

func nullable(convert func(parquet.Value) any) func(parquet.Value) any {
	return func(v parquet.Value) any {
		if v.IsNull() {
			return nil
		}
		return convert(v)
	}
}

// unscaledDecimal reads the unscaled integer of a decimal stored as int32, int64 or a
// big-endian two's complement byte array.
func unscaledDecimal(kind parquet.Kind, v parquet.Value) *big.Int {
	switch kind {
	case parquet.Int32:
		return big.NewInt(int64(v.Int32()))
	case parquet.Int64:
		return big.NewInt(v.Int64())
	}
	raw := v.ByteArray()
	unscaled := new(big.Int).SetBytes(raw)
	if len(raw) > 0 && raw[0]&0x80 != 0 {
		unscaled.Sub(unscaled, new(big.Int).Lsh(big.NewInt(1), uint(len(raw))*8))
	}
	return unscaled
}

// formatDecimal renders unscaled * 10^-scale as a plain decimal string, e.g. 1234
// with scale 2 is "12.34".
func formatDecimal(unscaled *big.Int, scale int) string {
	if scale <= 0 {
		return unscaled.String()
	}
	digits := new(big.Int).Abs(unscaled).String()
	if len(digits) <= scale {
		digits = strings.Repeat("0", scale-len(digits)+1) + digits
	}
	text := digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	if unscaled.Sign() < 0 {
		return "-" + text
	}
	return text
}

// int96Time decodes the legacy Spark timestamp layout: nanoseconds of day in the
// first two words, Julian day number in the third.
func int96Time(lo, hi, julianDay uint32) time.Time {
	const unixEpochJulianDay = 2440588
	nanosOfDay := int64(uint64(hi)<<32 | uint64(lo))
	days := int64(julianDay) - unixEpochJulianDay
	return time.Unix(days*86400, nanosOfDay).UTC()
}

func columnsFromSchema(schema *protocol.StructType) []Column {
	columns := make([]Column, 0)
	if schema == nil {
		return columns
	}
	for _, field := range schema.Fields {
		columns = append(columns, Column{Name: field.Name, Type: field.TypeName()})
	}
	return columns
}
