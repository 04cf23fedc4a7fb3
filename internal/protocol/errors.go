package protocol

import "fmt"

// MalformedResponseError reports a response body that is not valid JSON or NDJSON.
// Line is 1-based for NDJSON bodies and 0 for plain JSON documents.
type MalformedResponseError struct {
	Line int
	Err  error
}

func (e *MalformedResponseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed response at line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}
