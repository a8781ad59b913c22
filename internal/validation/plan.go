// Package validation checks a plan before the engine accepts it: JSON Schema
// for shape, then structural rules the schema cannot express.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kilnci/kiln/internal/condition"
	"github.com/kilnci/kiln/pkg/schema"
)

// planSchemaJSON is the JSON Schema for plan validation, embedded as a
// constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://kiln.dev/schemas/plan.json",
  "type": "object",
  "required": ["levels"],
  "properties": {
    "name": { "type": "string" },
    "env": { "$ref": "#/$defs/env" },
    "env_file": { "type": "string" },
    "providers": {
      "type": "array",
      "items": { "$ref": "#/$defs/provider" }
    },
    "levels": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/level" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "env": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "provider": {
      "type": "object",
      "required": ["name", "command"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "command": { "type": "string", "minLength": 1 },
        "args": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "level": {
      "type": "object",
      "required": ["jobs"],
      "properties": {
        "jobs": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/job" }
        }
      },
      "additionalProperties": false
    },
    "job": {
      "type": "object",
      "required": ["name", "actions"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "condition": { "type": "string" },
        "continue_on_error": { "type": "boolean" },
        "env": { "$ref": "#/$defs/env" },
        "executor": { "$ref": "#/$defs/executor" },
        "actions": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/action" }
        },
        "inputs": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name"],
            "properties": { "name": { "type": "string", "minLength": 1 } },
            "additionalProperties": false
          }
        },
        "outputs": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["name", "path"],
            "properties": {
              "name": { "type": "string", "minLength": 1 },
              "path": { "type": "string", "minLength": 1 }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "executor": {
      "type": "object",
      "properties": {
        "kind": { "type": "string", "enum": ["local", "container"] },
        "image": { "type": "string" },
        "alias": { "type": "string" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["name", "command"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "command": { "type": "string", "minLength": 1 },
        "args": { "type": "array", "items": { "type": "string" } },
        "condition": { "type": "string" },
        "env": { "$ref": "#/$defs/env" },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff": { "type": "string", "enum": ["constant", "linear", "exponential"] },
        "min_delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
        "max_delay": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" }
      },
      "additionalProperties": false
    }
  }
}`

// PlanValidator validates plans against the embedded JSON Schema plus
// structural rules. Safe for concurrent use.
type PlanValidator struct {
	planSchema *jsonschema.Schema
}

// NewPlanValidator compiles the embedded plan schema.
func NewPlanValidator() (*PlanValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://kiln.dev/schemas/plan.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}

	compiled, err := c.Compile("https://kiln.dev/schemas/plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &PlanValidator{planSchema: compiled}, nil
}

// Validate checks a plan. Structural rules enforced beyond the schema:
// globally unique job names, path-safe job/action/artifact names, recognized
// condition expressions, a non-empty image for container executors, and
// unique artifact output names per run.
func (v *PlanValidator) Validate(plan *schema.Plan) error {
	if plan == nil {
		return schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}

	doc, err := toJSONValue(plan)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize plan").WithCause(err)
	}
	if err := v.planSchema.Validate(doc); err != nil {
		return toKilnError(err)
	}

	jobNames := make(map[string]struct{})
	outputNames := make(map[string]string) // artifact name -> producing job

	for li, level := range plan.Levels {
		for _, job := range level.Jobs {
			if _, exists := jobNames[job.Name]; exists {
				return schema.NewErrorf(schema.ErrCodeValidation, "duplicate job name %q", job.Name)
			}
			jobNames[job.Name] = struct{}{}

			// Job and artifact names become workspace and store directory
			// components, so path separators and traversal are rejected.
			if !safeName(job.Name) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"job name %q must not contain path separators or \"..\"", job.Name)
			}

			if !condition.Valid(job.Condition) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"job %q: unrecognized condition %q", job.Name, job.Condition).WithJob(job.Name)
			}
			if job.Executor.Kind == "container" && job.Executor.Image == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"job %q: container executor requires an image", job.Name).WithJob(job.Name)
			}

			actionNames := make(map[string]struct{}, len(job.Actions))
			for _, action := range job.Actions {
				if _, exists := actionNames[action.Name]; exists {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"job %q: duplicate action name %q", job.Name, action.Name).WithJob(job.Name)
				}
				actionNames[action.Name] = struct{}{}

				if !safeName(action.Name) {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"job %q: action name %q must not contain path separators or \"..\"", job.Name, action.Name).
						WithJob(job.Name)
				}

				if !condition.Valid(action.Condition) {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"job %q action %q: unrecognized condition %q", job.Name, action.Name, action.Condition).
						WithJob(job.Name)
				}
			}

			for _, output := range job.Outputs {
				if !safeName(output.Name) {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"job %q: artifact name %q must not contain path separators or \"..\"", job.Name, output.Name).
						WithJob(job.Name)
				}
				if producer, exists := outputNames[output.Name]; exists {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"artifact %q produced by both %q and %q", output.Name, producer, job.Name)
				}
				outputNames[output.Name] = job.Name
			}

			// An input must be produced by a strictly earlier level; a
			// same-level producer is a race and a later one can never
			// have saved yet.
			for _, input := range job.Inputs {
				if !safeName(input.Name) {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"job %q: artifact name %q must not contain path separators or \"..\"", job.Name, input.Name).
						WithJob(job.Name)
				}
				if producer, exists := outputNames[input.Name]; exists && v.sameLevelProducer(plan, li, producer) {
					return schema.NewErrorf(schema.ErrCodeValidation,
						"job %q consumes artifact %q produced in its own level by %q", job.Name, input.Name, producer).
						WithJob(job.Name)
				}
			}
		}
	}

	return nil
}

// safeName reports whether a name is usable as a single filesystem path
// component: no separators, no parent traversal, not a dot entry.
func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

func (v *PlanValidator) sameLevelProducer(plan *schema.Plan, levelIdx int, producer string) bool {
	for _, job := range plan.Levels[levelIdx].Jobs {
		if job.Name == producer {
			return true
		}
	}
	return false
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toKilnError flattens a jsonschema validation error tree into a KilnError
// with one message per leaf violation.
func toKilnError(err error) *schema.KilnError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "plan validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
