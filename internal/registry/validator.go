package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/device-record-v1.json
var deviceRecordSchemaJSON string

// Validator checks roster records before they reach the device mirror.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("device-record-v1.json",
		strings.NewReader(deviceRecordSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("device-record-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) ValidateRecord(data []byte) error {
	var record interface{}
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(record); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}
