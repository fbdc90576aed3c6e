package designer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/procflow/pkg/schema"
)

// documentSchemaJSON is the JSON Schema for incoming designer documents.
// Embedded as a constant to avoid filesystem dependencies.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://procflow.dev/schemas/designer.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "workflow_id": { "type": "string" },
    "name": { "type": "string" },
    "category": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": [
            "start", "end", "task", "serviceTask", "userTask", "script",
            "timer", "signalReceive", "signalThrow", "exclusiveGateway",
            "parallelGateway", "inclusiveGateway", "subProcess"
          ]
        },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "position": {
          "type": "object",
          "required": ["x", "y"],
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          },
          "additionalProperties": false
        },
        "is_start": { "type": "boolean" },
        "is_end": { "type": "boolean" },
        "config": { "type": "object" },
        "input_mappings": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "output_mappings": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "condition": { "type": "string" },
        "is_default": { "type": "boolean" },
        "priority": { "type": "integer" }
      },
      "additionalProperties": false
    }
  }
}`

var (
	documentSchemaOnce sync.Once
	documentSchema     *jsonschema.Schema
	documentSchemaErr  error
)

func compiledDocumentSchema() (*jsonschema.Schema, error) {
	documentSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
		if err != nil {
			documentSchemaErr = fmt.Errorf("unmarshal designer schema: %w", err)
			return
		}
		if err := c.AddResource("https://procflow.dev/schemas/designer.json", doc); err != nil {
			documentSchemaErr = fmt.Errorf("add designer schema resource: %w", err)
			return
		}
		documentSchema, documentSchemaErr = c.Compile("https://procflow.dev/schemas/designer.json")
	})
	return documentSchema, documentSchemaErr
}

// ValidateDocument validates a raw designer payload against the document
// JSON Schema before it is decoded.
func ValidateDocument(raw []byte) error {
	compiled, err := compiledDocumentSchema()
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "designer schema unavailable").WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "designer document is not valid JSON").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	return nil
}

// ParseDocument validates and unmarshals a raw designer payload.
func ParseDocument(raw []byte) (*schema.DesignerDocument, error) {
	if err := ValidateDocument(raw); err != nil {
		return nil, err
	}
	var doc schema.DesignerDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode designer document").WithCause(err)
	}
	return &doc, nil
}
