package protocol

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestDecodeSharesWithPageToken(t *testing.T) {
	listing, err := DecodeShares(strings.NewReader(`{"items":[{"name":"s1"},{"name":"s2"}],"nextPageToken":"tok"}`))
	if err != nil {
		t.Fatalf("DecodeShares() error = %v", err)
	}
	if len(listing.Items) != 2 || listing.Items[1].Name != "s2" {
		t.Fatalf("Items = %+v", listing.Items)
	}
	if listing.NextPageToken != "tok" {
		t.Fatalf("NextPageToken = %q", listing.NextPageToken)
	}
	if !reflect.DeepEqual(listing.Rows(), [][]any{{"s1"}, {"s2"}}) {
		t.Fatalf("Rows() = %#v", listing.Rows())
	}
}

func TestDecodeListingWithoutItemsIsEmptyNotNil(t *testing.T) {
	cases := []string{`{}`, `{"items":[]}`, ``}
	for _, body := range cases {
		listing, err := DecodeTables(strings.NewReader(body))
		if err != nil {
			t.Fatalf("DecodeTables(%q) error = %v", body, err)
		}
		if listing.Items == nil || len(listing.Items) != 0 {
			t.Fatalf("Items = %#v", listing.Items)
		}
		if !reflect.DeepEqual(listing.Columns(), []string{"name", "share", "schema"}) {
			t.Fatalf("Columns() = %v", listing.Columns())
		}
		if rows := listing.Rows(); rows == nil || len(rows) != 0 {
			t.Fatalf("Rows() = %#v", rows)
		}
	}
}

func TestDecodeSchemasColumns(t *testing.T) {
	listing, err := DecodeSchemas(strings.NewReader(`{"items":[{"name":"default","share":"s1"}]}`))
	if err != nil {
		t.Fatalf("DecodeSchemas() error = %v", err)
	}
	if !reflect.DeepEqual(listing.Columns(), []string{"name", "share"}) {
		t.Fatalf("Columns() = %v", listing.Columns())
	}
	if !reflect.DeepEqual(listing.Rows(), [][]any{{"default", "s1"}}) {
		t.Fatalf("Rows() = %#v", listing.Rows())
	}
}

func TestDecodeListingMalformed(t *testing.T) {
	_, err := DecodeShares(strings.NewReader(`{"items":[`))
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v", err)
	}
}

func TestParseTableURL(t *testing.T) {
	table, err := ParseTableURL("share1.default.events")
	if err != nil {
		t.Fatalf("ParseTableURL() error = %v", err)
	}
	if table.Share != "share1" || table.Schema != "default" || table.Name != "events" {
		t.Fatalf("table = %+v", table)
	}
	if table.String() != "share1.default.events" {
		t.Fatalf("String() = %q", table.String())
	}
	for _, bad := range []string{"a.b", "a..c", "a.b.c.d", ""} {
		if _, err := ParseTableURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMetadataParseSchema(t *testing.T) {
	meta := Metadata{SchemaString: `{"type":"struct","fields":[{"name":"id","type":"long","nullable":true,"metadata":{}},{"name":"tags","type":{"type":"array","elementType":"string","containsNull":true},"nullable":true,"metadata":{}}]}`}
	schema, err := meta.ParseSchema()
	if err != nil {
		t.Fatalf("ParseSchema() error = %v", err)
	}
	if len(schema.Fields) != 2 {
		t.Fatalf("Fields = %+v", schema.Fields)
	}
	if schema.Fields[0].PrimitiveType() != "long" {
		t.Fatalf("PrimitiveType() = %q", schema.Fields[0].PrimitiveType())
	}
	if schema.Fields[1].PrimitiveType() != "" {
		t.Fatalf("nested PrimitiveType() = %q", schema.Fields[1].PrimitiveType())
	}
	if schema.Fields[0].TypeName() != "long" || schema.Fields[1].TypeName() != "array" {
		t.Fatalf("TypeName() = %q, %q", schema.Fields[0].TypeName(), schema.Fields[1].TypeName())
	}
}

func TestFileParseStats(t *testing.T) {
	file := File{Stats: `{"numRecords":3,"minValues":{"id":1},"maxValues":{"id":3},"nullCount":{"id":0}}`}
	stats, err := file.ParseStats()
	if err != nil {
		t.Fatalf("ParseStats() error = %v", err)
	}
	if stats.NumRecords != 3 {
		t.Fatalf("NumRecords = %d", stats.NumRecords)
	}
	if _, err := (File{}).ParseStats(); err == nil {
		t.Fatal("expected error for empty stats")
	}
}
