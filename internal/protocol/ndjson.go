package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

const maxLineBytes = 64 << 20

// queryLine holds the tags a query or metadata response line may carry.
// Unknown tags are ignored.
type queryLine struct {
	Protocol *Protocol `json:"protocol"`
	Metadata *Metadata `json:"metaData"`
	File     *File     `json:"file"`
	Add      *File     `json:"add"`
	CDC      *File     `json:"cdc"`
	Remove   *File     `json:"remove"`
}

// DecodeQueryResult drains an NDJSON stream of protocol, metaData and file lines.
// The last protocol and metaData line wins; file lines are appended in stream order.
// A malformed line fails the whole call.
func DecodeQueryResult(r io.Reader) (QueryResult, error) {
	result := QueryResult{Files: make([]File, 0)}
	err := scanLines(r, func(line queryLine) {
		if line.Protocol != nil {
			result.Protocol = line.Protocol
		}
		if line.Metadata != nil {
			result.Metadata = line.Metadata
		}
		if line.File != nil {
			result.Files = append(result.Files, *line.File)
		}
	})
	if err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

// DecodeChanges drains a change data feed response. add, cdc and remove lines are
// appended as actions in stream order.
func DecodeChanges(r io.Reader) (ChangesResult, error) {
	result := ChangesResult{Actions: make([]ChangeAction, 0)}
	err := scanLines(r, func(line queryLine) {
		if line.Protocol != nil {
			result.Protocol = line.Protocol
		}
		if line.Metadata != nil {
			result.Metadata = line.Metadata
		}
		if line.Add != nil {
			result.Actions = append(result.Actions, ChangeAction{Type: ChangeAdd, File: *line.Add})
		}
		if line.CDC != nil {
			result.Actions = append(result.Actions, ChangeAction{Type: ChangeCDC, File: *line.CDC})
		}
		if line.Remove != nil {
			result.Actions = append(result.Actions, ChangeAction{Type: ChangeRemove, File: *line.Remove})
		}
	})
	if err != nil {
		return ChangesResult{}, err
	}
	return result, nil
}

func scanLines(r io.Reader, apply func(queryLine)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line queryLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return &MalformedResponseError{Line: lineNo, Err: err}
		}
		apply(line)
	}
	if err := scanner.Err(); err != nil {
		return &MalformedResponseError{Line: lineNo + 1, Err: err}
	}
	return nil
}
