// Package schema validates untrusted JSON documents, such as oracle tool
// arguments, against JSON Schema.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError lists every schema violation found in a document.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "schema validation failed: " + strings.Join(e.Issues, "; ")
}

// Validator validates documents against one compiled schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles schemaData. Call RegisterCustomFormats first when the
// schema uses the entity_id or event_id formats.
func NewValidator(schemaData []byte) (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaData))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// NewValidatorFromMap compiles a schema held as a Go value.
func NewValidatorFromMap(schema map[string]interface{}) (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate validates a decoded document.
func (v *Validator) Validate(data interface{}) error {
	return v.check(gojsonschema.NewGoLoader(data))
}

// ValidateBytes validates raw JSON. Malformed JSON is reported as a plain
// error, not a *ValidationError.
func (v *Validator) ValidateBytes(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON")
	}
	return v.check(gojsonschema.NewBytesLoader(data))
}

func (v *Validator) check(doc gojsonschema.JSONLoader) error {
	result, err := v.schema.Validate(doc)
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return &ValidationError{Issues: issues}
}
