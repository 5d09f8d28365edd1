// Package main generates the JSON schema of the result dataset file.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/7MMA7/VulnDetectGA/pkg/dataset"
)

// Schema represents a JSON Schema.
type Schema struct {
	Schema      string             `json:"$schema,omitempty"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	Type        any                `json:"type,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Ref         string             `json:"$ref,omitempty"`
	Definitions map[string]*Schema `json:"definitions,omitempty"`
}

const schemaName = "results"

// ErrUnsupportedKind is returned for field kinds a result file never carries.
var ErrUnsupportedKind = errors.New("unsupported field kind")

func main() {
	outputDir := flag.String("o", "docs/schemas", "Output directory for schemas")
	flag.Parse()

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	schema, err := resultsSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building schema: %v\n", err)
		os.Exit(1)
	}

	path, err := writeSchema(*outputDir, schemaName, schema)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing schema: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s\n", path)
}

// resultsSchema describes a JSON result file: an array of dataset.Result.
func resultsSchema() (*Schema, error) {
	defs := make(map[string]*Schema)

	items, err := schemaFor(reflect.TypeFor[dataset.Result](), defs)
	if err != nil {
		return nil, err
	}

	return &Schema{
		Schema:      "http://json-schema.org/draft-07/schema#",
		Title:       "Analysis Results",
		Description: "One entry per analyzed record, in input order",
		Type:        "array",
		Items:       items,
		Definitions: defs,
	}, nil
}

// schemaFor maps a Go type to its schema. Named structs land in defs and are
// referenced; pointers add "null" to the type.
func schemaFor(t reflect.Type, defs map[string]*Schema) (*Schema, error) {
	switch t.Kind() {
	case reflect.String:
		return &Schema{Type: "string"}, nil

	case reflect.Int:
		return &Schema{Type: "integer"}, nil

	case reflect.Slice:
		items, err := schemaFor(t.Elem(), defs)
		if err != nil {
			return nil, err
		}

		return &Schema{Type: "array", Items: items}, nil

	case reflect.Pointer:
		inner, err := schemaFor(t.Elem(), defs)
		if err != nil {
			return nil, err
		}

		if name, ok := inner.Type.(string); ok {
			inner.Type = []string{name, "null"}
		}

		return inner, nil

	case reflect.Struct:
		name := t.Name()
		if _, seen := defs[name]; !seen {
			defs[name] = &Schema{}

			obj, err := objectSchema(t, defs)
			if err != nil {
				return nil, err
			}

			*defs[name] = *obj
		}

		return &Schema{Ref: "#/definitions/" + name}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, t)
	}
}

// objectSchema lists the JSON fields of t. Fields without omitempty are required.
func objectSchema(t reflect.Type, defs map[string]*Schema) (*Schema, error) {
	obj := &Schema{Type: "object", Properties: make(map[string]*Schema)}

	for _, field := range reflect.VisibleFields(t) {
		tag := field.Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}

		name, opts, _ := strings.Cut(tag, ",")

		prop, err := schemaFor(field.Type, defs)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name(), field.Name, err)
		}

		obj.Properties[name] = prop

		if !strings.Contains(opts, "omitempty") {
			obj.Required = append(obj.Required, name)
		}
	}

	return obj, nil
}

func writeSchema(dir, name string, schema *Schema) (string, error) {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}

	path := filepath.Join(dir, name+".json")

	return path, os.WriteFile(path, append(data, '\n'), 0o644)
}
