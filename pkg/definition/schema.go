package definition

// Schema is the JSON schema every workflow definition document must satisfy
// before it is decoded.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "flowrun workflow definition",
  "type": "object",
  "required": ["name", "type", "steps"],
  "additionalProperties": false,
  "definitions": {
    "duration": {
      "oneOf": [
        {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"},
        {"type": "number", "minimum": 0}
      ]
    },
    "compensation": {
      "type": "object",
      "required": ["task_type"],
      "additionalProperties": false,
      "properties": {
        "task_type": {"type": "string", "minLength": 1},
        "configuration": {"type": "object"}
      }
    },
    "step": {
      "type": "object",
      "required": ["id", "name", "type"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string", "minLength": 1},
        "type": {"enum": ["task", "condition", "parallel", "delay", "notification"]},
        "task_type": {"type": "string"},
        "configuration": {"type": "object"},
        "dependencies": {"type": "array", "items": {"type": "string"}, "uniqueItems": true},
        "timeout": {"$ref": "#/definitions/duration"},
        "estimated_duration": {"$ref": "#/definitions/duration"},
        "retry_policy": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "max_retries": {"type": "integer", "minimum": 0},
            "backoff_multiplier": {"type": "number", "minimum": 0},
            "initial_delay": {"$ref": "#/definitions/duration"}
          }
        },
        "compensation": {"$ref": "#/definitions/compensation"}
      }
    }
  },
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "type": {"enum": ["sequential", "parallel", "dag", "conditional"]},
    "variables": {"type": "object"},
    "configuration": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "auto_optimization": {"type": "boolean"},
        "parallel_execution": {"type": "boolean"},
        "max_retries": {"type": "integer", "minimum": 0},
        "timeout": {"$ref": "#/definitions/duration"}
      }
    },
    "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/step"}}
  }
}`
