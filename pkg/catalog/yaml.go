package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog format:
//
//	default_schema: public
//	tables:
//	  orders: [id, customer_id, amt]
//	  sales.raw_products: [id, base_price]
type File struct {
	DefaultSchema string              `yaml:"default_schema"`
	Tables        map[string][]string `yaml:"tables"`
}

// ParseYAML builds a static catalog from YAML data.
func ParseYAML(data []byte) (*Static, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	s := NewStatic(f.DefaultSchema)
	for rel, cols := range f.Tables {
		if rel == "" {
			return nil, fmt.Errorf("catalog: empty relation name")
		}
		s.Add(rel, cols...)
	}
	return s, nil
}

// LoadYAML reads a catalog file.
func LoadYAML(path string) (*Static, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from user configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseYAML(data)
}
