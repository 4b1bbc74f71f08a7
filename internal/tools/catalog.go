package tools

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var errEmptyToolName = errors.New("tool without a name")

type catalogFile struct {
	Tools []Definition `yaml:"tools"`
}

// LoadCatalog reads tool definitions from a YAML file of the form
//
//	tools:
//	  - name: chunk_documents
//	    description: Split documents into chunks.
//	    parameters: {type: object, properties: {...}}
func LoadCatalog(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML tool catalog.
func ParseCatalog(data []byte) ([]Definition, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Tools))
	for i, def := range file.Tools {
		if def.Name == "" {
			return nil, fmt.Errorf("catalog entry %d: %w", i, errEmptyToolName)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("catalog entry %d: duplicate tool %q", i, def.Name)
		}
		seen[def.Name] = true
		if def.Parameters == nil {
			file.Tools[i].Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
	}
	return file.Tools, nil
}

// Bind pairs each definition with inv.
func Bind(defs []Definition, inv Invoker) []Tool {
	out := make([]Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, Tool{Definition: def, Invoker: inv})
	}
	return out
}
