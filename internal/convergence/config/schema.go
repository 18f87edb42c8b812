package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema constrains value shapes; field-name strictness is handled by
// the decoders, semantic rules by validateConfig.
const configSchema = `{
  "type": "object",
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "name": {"type": "string"},
    "working_directory": {"type": "string", "minLength": 1},
    "max_attempts": {"type": "integer", "minimum": 1},
    "env": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "setup": {
      "type": "array",
      "items": {"$ref": "#/$defs/step"}
    },
    "abort_on_setup_failure": {"type": "boolean"},
    "main_task": {"$ref": "#/$defs/step"},
    "validators": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "kind": {"enum": ["command", "conflict"]},
          "name": {"type": "string", "minLength": 1},
          "command": {"type": "string"},
          "timeout_ms": {"type": "integer", "minimum": 0},
          "capture_lines": {"type": "integer", "minimum": 0},
          "include": {"type": "array", "items": {"type": "string"}},
          "exclude": {"type": "array", "items": {"type": "string"}},
          "failing_unit_pattern": {"type": "string"}
        },
        "required": ["kind", "name"]
      }
    },
    "repair": {
      "type": "object",
      "properties": {
        "kind": {"enum": ["command", "simulated"]},
        "command": {"type": "string"},
        "timeout_ms": {"type": "integer", "minimum": 0}
      }
    },
    "topology": {
      "type": "object",
      "properties": {
        "nodes": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "type": {"type": "string", "minLength": 1}
            },
            "required": ["name", "type"]
          }
        },
        "edges": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "from": {"type": "string", "minLength": 1},
              "to": {"type": "string"},
              "condition": {"type": "string"},
              "routes": {
                "type": "object",
                "additionalProperties": {"type": "string"}
              }
            },
            "required": ["from"]
          }
        }
      },
      "required": ["nodes", "edges"]
    }
  },
  "required": ["working_directory"],
  "$defs": {
    "step": {
      "type": "object",
      "properties": {
        "description": {"type": "string"},
        "command": {"type": "string", "minLength": 1},
        "timeout_ms": {"type": "integer", "minimum": 0}
      },
      "required": ["command"]
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledConfigSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", strings.NewReader(configSchema)); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("config.schema.json")
	})
	return compiledSchema, schemaErr
}

func validateAgainstSchema(doc any) error {
	s, err := compiledConfigSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	// Round-trip through JSON so YAML-decoded values carry JSON types.
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not schema-checkable: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(b, &normalized); err != nil {
		return err
	}
	if err := s.Validate(normalized); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
