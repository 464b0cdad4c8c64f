// Package definition loads workflow definitions from YAML or JSON documents.
// Documents are checked against Schema before they are decoded, so a
// definition that loads is structurally sound; graph checks such as cycles
// are left to the engine's validator.
package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

var ErrInvalidDefinition = errors.New("invalid workflow definition")

var schemaLoader = gojsonschema.NewStringLoader(Schema)

// Error lists the schema violations of a definition document.
type Error struct {
	Source   string
	Problems []string
}

func (e *Error) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidDefinition, strings.Join(e.Problems, "; "))
	}

	return fmt.Sprintf("%s %s: %s", ErrInvalidDefinition, e.Source, strings.Join(e.Problems, "; "))
}

func (e *Error) Is(target error) bool {
	return target == ErrInvalidDefinition
}

// Parse decodes a YAML or JSON definition document.
func Parse(data []byte) (*models.Workflow, error) {
	return parse("", data)
}

// Load reads and parses the definition stored at path.
func Load(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition: %w", err)
	}

	return parse(path, data)
}

// LoadDir parses every .yaml, .yml and .json file directly below dir, in
// file name order.
func LoadDir(dir string) ([]*models.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	workflows := make([]*models.Workflow, 0, len(names))

	for _, name := range names {
		workflow, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}

func parse(source string, data []byte) (*models.Workflow, error) {
	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, &Error{Source: source, Problems: []string{err.Error()}}
	}

	document = normalize(document)

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(document))
	if err != nil {
		return nil, &Error{Source: source, Problems: []string{err.Error()}}
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return nil, &Error{Source: source, Problems: problems}
	}

	encoded, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow definition: %w", err)
	}

	var workflow models.Workflow
	if err := json.Unmarshal(encoded, &workflow); err != nil {
		return nil, &Error{Source: source, Problems: []string{err.Error()}}
	}

	return &workflow, nil
}

// normalize turns the map[any]any nodes yaml produces for non-string keys
// into map[string]any so the document can be encoded as JSON.
func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			v[key] = normalize(item)
		}

		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalize(item)
		}

		return out
	case []any:
		for i, item := range v {
			v[i] = normalize(item)
		}

		return v
	default:
		return value
	}
}
