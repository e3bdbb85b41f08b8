package classify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const resultSchemaURL = "tgcrm://classify/result.json"

const resultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status", "summary", "priority", "confidence"],
  "properties": {
    "status": {"enum": ["new", "active", "waiting", "closed", "spam"]},
    "summary": {"type": "string", "maxLength": 2000},
    "priority": {"enum": ["low", "normal", "high"]},
    "tags": {
      "type": "array",
      "maxItems": 16,
      "items": {"type": "string", "minLength": 1, "maxLength": 64}
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

// Validator checks classifier output against the result schema.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the result schema.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchema))
	if err != nil {
		return nil, fmt.Errorf("parse result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resultSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add result schema: %w", err)
	}
	sch, err := c.Compile(resultSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Decode validates raw JSON and decodes it into a Result.
func (v *Validator) Decode(raw []byte) (*Result, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed output: %v", ErrUnavailable, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: invalid output: %v", ErrUnavailable, err)
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: decode output: %v", ErrUnavailable, err)
	}
	return &r, nil
}
