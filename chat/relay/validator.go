package relay

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// completionSchema describes the body accepted by POST /v1/completion.
const completionSchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"type": "string", "enum": ["user", "assistant", "system"]},
          "content": {"type": "string"}
        }
      }
    }
  }
}`

// RequestValidator checks completion requests against a compiled JSON schema.
type RequestValidator struct {
	schema *gojsonschema.Schema
}

// NewRequestValidator compiles the completion request schema.
func NewRequestValidator() (*RequestValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(completionSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile request schema: %w", err)
	}
	return &RequestValidator{schema: schema}, nil
}

// Validate reports every schema violation in data.
func (v *RequestValidator) Validate(data []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, err := range result.Errors() {
			errs = append(errs, err.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
