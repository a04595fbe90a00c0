package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// readYAMLFile loads a flat mapping of variable names to scalar values.
//
//	CODETIME_PORT: 9492
//	CODETIME_UPSTREAM: https://api.codetime.dev
//	CODETIME_DB_AUTO_MIGRATE: false
func readYAMLFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) (map[string]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	out := map[string]string{}
	if len(root.Content) == 0 {
		return out, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config file: top level must be a mapping")
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]
		switch val.Kind {
		case yaml.ScalarNode:
			if val.Tag == "!!null" {
				out[key.Value] = ""
				continue
			}
			out[key.Value] = val.Value
		default:
			return nil, fmt.Errorf("config file: %s (line %d): value must be a scalar", key.Value, key.Line)
		}
	}
	return out, nil
}
