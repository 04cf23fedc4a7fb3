package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/duckmesh/deltashare/internal/protocol"
)

// Partitions holds equality constraints on partition columns. Values are compared
// by their string form.
type Partitions map[string]any

type Outcome string

const (
	OutcomeMatched       Outcome = "matched"
	OutcomeSourceEmpty   Outcome = "source_empty"
	OutcomeFilteredEmpty Outcome = "filtered_empty"
)

// Selection is the result of applying Partitions to a server file list.
type Selection struct {
	Files []protocol.File
	Total int
}

func (s Selection) Outcome() Outcome {
	switch {
	case s.Total == 0:
		return OutcomeSourceEmpty
	case len(s.Files) == 0:
		return OutcomeFilteredEmpty
	default:
		return OutcomeMatched
	}
}

func (s Selection) Dropped() int {
	return s.Total - len(s.Files)
}

// Apply keeps the files whose URL encodes every constraint. Order is preserved.
// With no constraints the input slice is returned as is.
func Apply(files []protocol.File, constraints Partitions) Selection {
	if len(constraints) == 0 {
		return Selection{Files: files, Total: len(files)}
	}

	keys := make([]string, 0, len(constraints))
	for key := range constraints {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	kept := make([]protocol.File, 0, len(files))
	for _, file := range files {
		if matchesAll(file.URL, keys, constraints) {
			kept = append(kept, file)
		}
	}
	return Selection{Files: kept, Total: len(files)}
}

func matchesAll(url string, keys []string, constraints Partitions) bool {
	for _, key := range keys {
		if !Matches(url, key, constraints[key]) {
			return false
		}
	}
	return true
}

// Matches reports whether url carries key=value either as a plain "key=value/" segment
// or percent-encoded as "key%3Dvalue" followed by "/" or "%2F".
func Matches(url, key string, value any) bool {
	v := valueString(value)
	if strings.Contains(url, key+"="+v+"/") {
		return true
	}
	encoded := key + "%3D" + v
	return strings.Contains(url, encoded+"/") || strings.Contains(url, encoded+"%2F")
}

func valueString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	default:
		return fmt.Sprint(typed)
	}
}

// ParsePartitions builds constraints from "key=value" pairs.
func ParsePartitions(pairs []string) (Partitions, error) {
	out := Partitions{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid partition %q: expected key=value", pair)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}
