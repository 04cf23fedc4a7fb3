package protocol

import (
	"encoding/json"
	"io"
)

var (
	ShareColumns  = []string{"name"}
	SchemaColumns = []string{"name", "share"}
	TableColumns  = []string{"name", "share", "schema"}
)

type listingRecord interface {
	Share | Schema | Table
}

// Listing is one page of a share, schema or table enumeration. Items is never nil.
type Listing[T listingRecord] struct {
	Items         []T
	NextPageToken string
}

func (l Listing[T]) Columns() []string {
	var zero T
	switch any(zero).(type) {
	case Share:
		return append([]string(nil), ShareColumns...)
	case Schema:
		return append([]string(nil), SchemaColumns...)
	default:
		return append([]string(nil), TableColumns...)
	}
}

func (l Listing[T]) Rows() [][]any {
	rows := make([][]any, 0, len(l.Items))
	for _, item := range l.Items {
		switch typed := any(item).(type) {
		case Share:
			rows = append(rows, []any{typed.Name})
		case Schema:
			rows = append(rows, []any{typed.Name, typed.Share})
		case Table:
			rows = append(rows, []any{typed.Name, typed.Share, typed.Schema})
		}
	}
	return rows
}

func DecodeShares(r io.Reader) (Listing[Share], error) {
	return decodeListing[Share](r)
}

func DecodeSchemas(r io.Reader) (Listing[Schema], error) {
	return decodeListing[Schema](r)
}

func DecodeTables(r io.Reader) (Listing[Table], error) {
	return decodeListing[Table](r)
}

func DecodeShare(r io.Reader) (Share, error) {
	var body struct {
		Share Share `json:"share"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return Share{}, &MalformedResponseError{Err: err}
	}
	return body.Share, nil
}

func decodeListing[T listingRecord](r io.Reader) (Listing[T], error) {
	var body struct {
		Items         []T    `json:"items"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil && err != io.EOF {
		return Listing[T]{}, &MalformedResponseError{Err: err}
	}
	items := body.Items
	if items == nil {
		items = make([]T, 0)
	}
	return Listing[T]{Items: items, NextPageToken: body.NextPageToken}, nil
}
