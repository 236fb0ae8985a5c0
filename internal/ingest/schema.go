package ingest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/spec-kit/caseflow/internal/domain"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

//go:embed schema/inbound_message.json
var inboundSchema []byte

const inboundSchemaURL = "https://caseflow.local/schema/inbound_message.json"

// SchemaValidator checks JSON inbound payloads before they reach the matcher.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(inboundSchema))
	if err != nil {
		return nil, fmt.Errorf("parse inbound schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(inboundSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add inbound schema: %w", err)
	}
	schema, err := compiler.Compile(inboundSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Decode validates payload and unmarshals it.
func (v *SchemaValidator) Decode(payload []byte) (domain.InboundMessage, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return domain.InboundMessage{}, apperrors.NewValidationError("payload is not valid JSON", nil)
	}
	if err := v.schema.Validate(instance); err != nil {
		return domain.InboundMessage{}, apperrors.NewValidationError("payload failed schema validation", map[string]any{
			"errors": err.Error(),
		})
	}
	var msg domain.InboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return domain.InboundMessage{}, apperrors.NewValidationError("payload could not be decoded", map[string]any{
			"errors": err.Error(),
		})
	}
	return msg, nil
}
