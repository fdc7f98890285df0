package dag

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a sync DAG definition from YAML.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse dag definition: %w", err)
	}
	return &def, nil
}

// LoadDefinition reads a sync DAG definition from a YAML file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dag definition %s: %w", path, err)
	}
	return ParseDefinition(data)
}
