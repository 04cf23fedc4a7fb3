package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeQueryResult(t *testing.T) {
	body := `{"protocol":{"minReaderVersion":1}}
{"metaData":{"id":"t1"}}
{"file":{"url":"u1"}}
{"file":{"url":"u2"}}`

	result, err := DecodeQueryResult(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeQueryResult() error = %v", err)
	}
	if result.Protocol == nil || result.Protocol.MinReaderVersion != 1 {
		t.Fatalf("Protocol = %+v", result.Protocol)
	}
	if result.Metadata == nil || result.Metadata.ID != "t1" {
		t.Fatalf("Metadata = %+v", result.Metadata)
	}
	if len(result.Files) != 2 || result.Files[0].URL != "u1" || result.Files[1].URL != "u2" {
		t.Fatalf("Files = %+v", result.Files)
	}
}

func TestDecodeQueryResultLastProtocolAndMetadataWin(t *testing.T) {
	body := `{"metaData":{"id":"first"}}
{"protocol":{"minReaderVersion":1}}
{"file":{"url":"u1"}}
{"protocol":{"minReaderVersion":2}}
{"metaData":{"id":"second"}}`

	result, err := DecodeQueryResult(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeQueryResult() error = %v", err)
	}
	if result.Protocol.MinReaderVersion != 2 {
		t.Fatalf("MinReaderVersion = %d", result.Protocol.MinReaderVersion)
	}
	if result.Metadata.ID != "second" {
		t.Fatalf("Metadata.ID = %q", result.Metadata.ID)
	}
	if len(result.Files) != 1 {
		t.Fatalf("Files = %+v", result.Files)
	}
}

func TestDecodeQueryResultEmptyStream(t *testing.T) {
	result, err := DecodeQueryResult(strings.NewReader(""))
	if err != nil {
		t.Fatalf("DecodeQueryResult() error = %v", err)
	}
	if result.Protocol != nil || result.Metadata != nil {
		t.Fatalf("expected nil protocol/metadata, got %+v", result)
	}
	if result.Files == nil || len(result.Files) != 0 {
		t.Fatalf("Files = %#v", result.Files)
	}
}

func TestDecodeQueryResultIgnoresUnknownTagsAndBlankLines(t *testing.T) {
	body := "{\"file\":{\"url\":\"u1\",\"partitionValues\":{\"year\":\"2024\"},\"size\":12}}\n\n{\"somethingElse\":{}}\n"
	result, err := DecodeQueryResult(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeQueryResult() error = %v", err)
	}
	if len(result.Files) != 1 || result.Files[0].PartitionValues["year"] != "2024" || result.Files[0].Size != 12 {
		t.Fatalf("Files = %+v", result.Files)
	}
}

func TestDecodeQueryResultMalformedLineFailsWholeCall(t *testing.T) {
	body := "{\"file\":{\"url\":\"u1\"}}\n{not json}\n{\"file\":{\"url\":\"u2\"}}"
	result, err := DecodeQueryResult(strings.NewReader(body))
	if err == nil {
		t.Fatal("expected malformed response error")
	}
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("error type = %T", err)
	}
	if malformed.Line != 2 {
		t.Fatalf("Line = %d", malformed.Line)
	}
	if result.Files != nil {
		t.Fatalf("expected no partial result, got %+v", result.Files)
	}
}

func TestDecodeChanges(t *testing.T) {
	body := `{"protocol":{"minReaderVersion":1}}
{"metaData":{"id":"t1"}}
{"add":{"url":"a1","version":1,"timestamp":1000}}
{"cdc":{"url":"c1","version":2,"timestamp":2000}}
{"remove":{"url":"r1","version":3,"timestamp":3000}}`

	result, err := DecodeChanges(strings.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeChanges() error = %v", err)
	}
	if len(result.Actions) != 3 {
		t.Fatalf("Actions = %+v", result.Actions)
	}
	want := []ChangeType{ChangeAdd, ChangeCDC, ChangeRemove}
	for i, action := range result.Actions {
		if action.Type != want[i] {
			t.Fatalf("Actions[%d].Type = %q, want %q", i, action.Type, want[i])
		}
	}
	if *result.Actions[1].File.Version != 2 {
		t.Fatalf("cdc version = %d", *result.Actions[1].File.Version)
	}
}
