// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// endpointSchema structurally validates an endpoint document before decoding.
// Semantic checks (duplicate names, source consistency, template syntax)
// happen after decoding in the loader.
const endpointSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["mxcp"],
  "properties": {
    "mxcp": {"type": "integer", "enum": [1]},
    "tool": {"$ref": "#/definitions/tool"},
    "resource": {"$ref": "#/definitions/resource"},
    "prompt": {"$ref": "#/definitions/prompt"}
  },
  "oneOf": [
    {"required": ["tool"]},
    {"required": ["resource"]},
    {"required": ["prompt"]}
  ],
  "definitions": {
    "typeSpec": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["string", "number", "integer", "boolean", "array", "object",
                   "date", "date-time", "duration", "email", "uri"]
        },
        "description": {"type": "string"},
        "enum": {"type": "array"},
        "minimum": {"type": "number"},
        "maximum": {"type": "number"},
        "pattern": {"type": "string"},
        "format": {"type": "string"},
        "minLength": {"type": "integer", "minimum": 0},
        "maxLength": {"type": "integer", "minimum": 0},
        "items": {"$ref": "#/definitions/typeSpec"},
        "properties": {
          "type": "object",
          "additionalProperties": {"$ref": "#/definitions/typeSpec"}
        },
        "required": {"type": "array", "items": {"type": "string"}},
        "sensitive": {"type": "boolean"}
      }
    },
    "parameter": {
      "allOf": [
        {"$ref": "#/definitions/typeSpec"},
        {
          "type": "object",
          "required": ["name"],
          "properties": {"name": {"type": "string", "minLength": 1}}
        }
      ]
    },
    "source": {
      "type": "object",
      "properties": {
        "code": {"type": "string"},
        "file": {"type": "string"},
        "native": {"type": "string"}
      },
      "minProperties": 1,
      "maxProperties": 1
    },
    "policyRule": {
      "type": "object",
      "required": ["condition", "action"],
      "properties": {
        "condition": {"type": "string", "minLength": 1},
        "action": {
          "type": "string",
          "enum": ["deny", "filter_fields", "filter_sensitive_fields", "mask_fields"]
        },
        "fields": {"type": "array", "items": {"type": "string"}},
        "reason": {"type": "string"}
      }
    },
    "policies": {
      "type": "object",
      "properties": {
        "input": {"type": "array", "items": {"$ref": "#/definitions/policyRule"}},
        "output": {"type": "array", "items": {"$ref": "#/definitions/policyRule"}}
      }
    },
    "message": {
      "type": "object",
      "required": ["role", "prompt"],
      "properties": {
        "role": {"type": "string", "enum": ["system", "user", "assistant"]},
        "prompt": {"type": "string"}
      }
    },
    "tool": {
      "type": "object",
      "required": ["name", "source"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "parameters": {"type": "array", "items": {"$ref": "#/definitions/parameter"}},
        "return": {"$ref": "#/definitions/typeSpec"},
        "source": {"$ref": "#/definitions/source"},
        "scopes": {"type": "array", "items": {"type": "string"}},
        "policies": {"$ref": "#/definitions/policies"},
        "annotations": {"type": "object"}
      }
    },
    "resource": {
      "type": "object",
      "required": ["uri", "source"],
      "properties": {
        "uri": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "description": {"type": "string"},
        "parameters": {"type": "array", "items": {"$ref": "#/definitions/parameter"}},
        "return": {"$ref": "#/definitions/typeSpec"},
        "source": {"$ref": "#/definitions/source"},
        "scopes": {"type": "array", "items": {"type": "string"}},
        "policies": {"$ref": "#/definitions/policies"},
        "annotations": {"type": "object"}
      }
    },
    "prompt": {
      "type": "object",
      "required": ["name", "messages"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "parameters": {"type": "array", "items": {"$ref": "#/definitions/parameter"}},
        "messages": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/message"}},
        "scopes": {"type": "array", "items": {"type": "string"}},
        "policies": {"$ref": "#/definitions/policies"},
        "annotations": {"type": "object"}
      }
    }
  }
}`

var compiledSchema = gojsonschema.NewStringLoader(endpointSchema)

// validateStructure checks the decoded YAML document against the endpoint
// schema and returns a single error listing every violation.
func validateStructure(doc any) error {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid endpoint definition: %s", strings.Join(msgs, "; "))
}
