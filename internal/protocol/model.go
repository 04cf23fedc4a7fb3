package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Share struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
}

type Schema struct {
	Name  string `json:"name"`
	Share string `json:"share"`
}

type Table struct {
	Name    string `json:"name"`
	Share   string `json:"share"`
	Schema  string `json:"schema"`
	ShareID string `json:"shareId,omitempty"`
	ID      string `json:"id,omitempty"`
}

func (t Table) String() string {
	return t.Share + "." + t.Schema + "." + t.Name
}

// ParseTableURL accepts the "<share>.<schema>.<table>" coordinate form.
func ParseTableURL(raw string) (Table, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return Table{}, fmt.Errorf("invalid table coordinate %q: expected share.schema.table", raw)
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return Table{}, fmt.Errorf("invalid table coordinate %q: empty component", raw)
		}
	}
	return Table{Share: parts[0], Schema: parts[1], Name: parts[2]}, nil
}

type Protocol struct {
	MinReaderVersion int `json:"minReaderVersion"`
}

type Format struct {
	Provider string            `json:"provider"`
	Options  map[string]string `json:"options,omitempty"`
}

type Metadata struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	Format           Format            `json:"format"`
	SchemaString     string            `json:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration,omitempty"`
	Version          *int64            `json:"version,omitempty"`
	Size             *int64            `json:"size,omitempty"`
	NumFiles         *int64            `json:"numFiles,omitempty"`
}

// StructType is the Delta table schema carried in Metadata.SchemaString.
type StructType struct {
	Type   string        `json:"type"`
	Fields []StructField `json:"fields"`
}

type StructField struct {
	Name     string          `json:"name"`
	Type     json.RawMessage `json:"type"`
	Nullable bool            `json:"nullable"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// PrimitiveType returns the type name for primitive fields and "" for nested ones.
func (f StructField) PrimitiveType() string {
	var name string
	if err := json.Unmarshal(f.Type, &name); err != nil {
		return ""
	}
	return name
}

// TypeName is the primitive type name, or the kind ("struct", "array", "map") of a
// nested field.
func (f StructField) TypeName() string {
	if name := f.PrimitiveType(); name != "" {
		return name
	}
	var nested struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(f.Type, &nested); err != nil {
		return ""
	}
	return nested.Type
}

func (m Metadata) ParseSchema() (StructType, error) {
	if strings.TrimSpace(m.SchemaString) == "" {
		return StructType{}, fmt.Errorf("schema string is empty")
	}
	var schema StructType
	if err := json.Unmarshal([]byte(m.SchemaString), &schema); err != nil {
		return StructType{}, fmt.Errorf("decode schema string: %w", err)
	}
	return schema, nil
}

type File struct {
	URL                 string            `json:"url"`
	ID                  string            `json:"id"`
	PartitionValues     map[string]string `json:"partitionValues"`
	Size                int64             `json:"size"`
	Stats               string            `json:"stats,omitempty"`
	Version             *int64            `json:"version,omitempty"`
	Timestamp           *int64            `json:"timestamp,omitempty"`
	ExpirationTimestamp *int64            `json:"expirationTimestamp,omitempty"`
}

type Stats struct {
	NumRecords int64          `json:"numRecords"`
	MinValues  map[string]any `json:"minValues"`
	MaxValues  map[string]any `json:"maxValues"`
	NullCount  map[string]any `json:"nullCount"`
}

func (f File) ParseStats() (Stats, error) {
	if strings.TrimSpace(f.Stats) == "" {
		return Stats{}, fmt.Errorf("stats are empty")
	}
	var stats Stats
	if err := json.Unmarshal([]byte(f.Stats), &stats); err != nil {
		return Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

// QueryResult is the decoded body of a table query or metadata request.
type QueryResult struct {
	Protocol     *Protocol
	Metadata     *Metadata
	Files        []File
	TableVersion *int64
}

type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeCDC    ChangeType = "cdc"
	ChangeRemove ChangeType = "remove"
)

type ChangeAction struct {
	Type ChangeType
	File File
}

type ChangesResult struct {
	Protocol *Protocol
	Metadata *Metadata
	Actions  []ChangeAction
}
