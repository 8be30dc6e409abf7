// Package schema validates JSON request bodies against JSON schemas.
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Validator validates documents against a set of compiled schemas, addressed by their $id
type Validator struct {
	compiled map[string]*gojsonschema.Schema
}

// ValidationError lists why a document does not match its schema. Handlers return it to the
// client with status 400.
type ValidationError struct {
	SchemaID string
	Problems []string
}

func (e *ValidationError) Error() string {
	return "the document is not valid:\n- " + strings.Join(e.Problems, "\n- ")
}

// readJSONFiles returns the contents of all .json files directly in dir. A missing dir has none.
func readJSONFiles(fsys fs.FS, dir string) ([]string, error) {
	names, err := fs.Glob(fsys, path.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	contents := make([]string, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("cannot read schema %s: %w", name, err)
		}
		contents = append(contents, string(data))
	}
	return contents, nil
}

// NewValidatorFromFS compiles the json files of dir as top level schemas. Files in dir/refs are
// only available as references.
func NewValidatorFromFS(fsys fs.FS, dir string) (*Validator, error) {
	schemas, err := readJSONFiles(fsys, dir)
	if err != nil {
		return nil, err
	}
	refs, err := readJSONFiles(fsys, path.Join(dir, "refs"))
	if err != nil {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

// NewValidator compiles schemas, which may reference refs but not each other
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	v := &Validator{compiled: make(map[string]*gojsonschema.Schema, len(schemas))}
	for _, source := range schemas {
		var header struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal([]byte(source), &header); err != nil {
			return nil, fmt.Errorf("schema is not JSON: %w", err)
		}
		if header.ID == "" {
			return nil, errors.New("schema without $id")
		}
		loader := gojsonschema.NewSchemaLoader()
		loader.Validate = true
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add reference for %s: %w", header.ID, err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewStringLoader(source))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", header.ID, err)
		}
		v.compiled[header.ID] = compiled
	}
	return v, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.compiled[schemaID]
	return ok
}

// ValidateStruct validates a go value by its JSON representation
func (v *Validator) ValidateStruct(value interface{}, schemaID string) error {
	return v.validate(gojsonschema.NewGoLoader(value), schemaID)
}

func (v *Validator) ValidateString(document, schemaID string) error {
	return v.validate(gojsonschema.NewStringLoader(document), schemaID)
}

// ValidateBytes is ValidateString for raw request bodies
func (v *Validator) ValidateBytes(document []byte, schemaID string) error {
	return v.validate(gojsonschema.NewBytesLoader(document), schemaID)
}

func (v *Validator) validate(document gojsonschema.JSONLoader, schemaID string) error {
	compiled, ok := v.compiled[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}
	result, err := compiled.Validate(document)
	if err != nil {
		// not even JSON
		return &ValidationError{SchemaID: schemaID, Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{SchemaID: schemaID}
	for _, e := range result.Errors() {
		verr.Problems = append(verr.Problems, e.String())
	}
	return verr
}
