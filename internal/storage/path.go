package storage

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildExportPath lays out an exported table as
// {share}/{schema}/{table}/version={v|latest}/part-{id}.parquet.
func BuildExportPath(share, schema, table string, version *int64, id string) (string, error) {
	for _, component := range []struct{ value, field string }{
		{share, "share"},
		{schema, "schema"},
		{table, "table"},
		{id, "part id"},
	} {
		if err := validatePathComponent(component.value, component.field); err != nil {
			return "", err
		}
	}

	versionLabel := "latest"
	if version != nil {
		if *version < 0 {
			return "", fmt.Errorf("version must be >= 0")
		}
		versionLabel = strconv.FormatInt(*version, 10)
	}
	return path.Join(share, schema, table, "version="+versionLabel, "part-"+id+".parquet"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
