package engine

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/kilnci/kiln/pkg/schema"
)

// Interpolator resolves ${{...}} references in action commands, arguments,
// and environment values. Expressions are evaluated against a closed scope:
// run.*, job.*, and env.*. Compiled programs are cached and shared across
// goroutines.
type Interpolator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewInterpolator creates an interpolator with an empty program cache.
func NewInterpolator() *Interpolator {
	return &Interpolator{cache: make(map[string]*vm.Program)}
}

// Scope builds the evaluation environment for one job.
func Scope(runID, artifactsRoot, jobName, workspace string, env map[string]string) map[string]any {
	envScope := make(map[string]any, len(env))
	for k, v := range env {
		envScope[k] = v
	}
	return map[string]any{
		"run": map[string]any{
			"id":             runID,
			"artifacts_root": artifactsRoot,
		},
		"job": map[string]any{
			"name":      jobName,
			"workspace": workspace,
		},
		"env": envScope,
	}
}

// Resolve scans input for ${{...}} tokens and replaces each with its
// evaluated value. Text without tokens passes through untouched.
func (interp *Interpolator) Resolve(input string, scope map[string]any) (string, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		expression := strings.TrimSpace(input[start:end])
		if expression == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{ }}")
		}
		if strings.Contains(expression, "${{") {
			return "", schema.NewError(schema.ErrCodeValidation, "nested interpolation not allowed")
		}

		val, err := interp.evaluate(expression, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// ResolveAction returns a copy of the action with every interpolatable field
// resolved against the scope.
func (interp *Interpolator) ResolveAction(action schema.ActionSpec, scope map[string]any) (schema.ActionSpec, error) {
	resolved := action

	var err error
	if resolved.Command, err = interp.Resolve(action.Command, scope); err != nil {
		return action, err
	}

	if len(action.Args) > 0 {
		resolved.Args = make([]string, len(action.Args))
		for i, arg := range action.Args {
			if resolved.Args[i], err = interp.Resolve(arg, scope); err != nil {
				return action, err
			}
		}
	}

	if len(action.Env) > 0 {
		resolved.Env = make(map[string]string, len(action.Env))
		for k, v := range action.Env {
			if resolved.Env[k], err = interp.Resolve(v, scope); err != nil {
				return action, err
			}
		}
	}

	return resolved, nil
}

func (interp *Interpolator) evaluate(expression string, scope map[string]any) (any, error) {
	prg, err := interp.getOrCompile(expression, scope)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"evaluation failed for ${{%s}}: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	// A nil result means the expression walked off the known scope, e.g.
	// run.bogus or env.UNSET. Unknown references fail rather than silently
	// expanding to the empty string.
	if out == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown reference in ${{%s}}", expression).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (interp *Interpolator) getOrCompile(expression string, scope map[string]any) (*vm.Program, error) {
	interp.mu.RLock()
	if prg, ok := interp.cache[expression]; ok {
		interp.mu.RUnlock()
		return prg, nil
	}
	interp.mu.RUnlock()

	interp.mu.Lock()
	defer interp.mu.Unlock()
	if prg, ok := interp.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.Env(scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile error in ${{%s}}: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	interp.cache[expression] = prg
	return prg, nil
}

func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
