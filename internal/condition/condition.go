// Package condition evaluates the closed set of condition expressions that
// gate jobs and actions: success(), failure(), always(), cancelled().
package condition

import (
	"strings"

	"github.com/kilnci/kiln/pkg/schema"
)

// Kind is the closed set of recognized condition expressions. Anything else
// parses to Unrecognized and the gated unit is skipped.
type Kind int

const (
	Success Kind = iota
	Failure
	Always
	Cancelled
	Unrecognized
)

// Condition is a parsed condition expression.
type Condition struct {
	Kind Kind
	Raw  string
}

// RunView is the point-in-time run state a condition is evaluated against.
// The failed set may race with sibling jobs still finishing in the same
// level; that non-determinism is accepted and documented, not eliminated.
type RunView struct {
	AnyFailed bool
	Cancelled bool
}

// Parse maps an expression string to a Condition. The empty expression
// defaults to success(), matching an unconditioned job or action.
func Parse(expr string) Condition {
	switch strings.TrimSpace(expr) {
	case "", "success()":
		return Condition{Kind: Success, Raw: expr}
	case "failure()":
		return Condition{Kind: Failure, Raw: expr}
	case "always()":
		return Condition{Kind: Always, Raw: expr}
	case "cancelled()":
		return Condition{Kind: Cancelled, Raw: expr}
	default:
		return Condition{Kind: Unrecognized, Raw: expr}
	}
}

// Evaluate resolves the condition against the given run view. An
// Unrecognized condition returns a CONDITION_ERROR; callers treat the gated
// unit as skipped and continue the run. success() holds exactly when the
// failed set is empty and failure() is its negation; cancellation is
// observable only through cancelled(), the scheduler itself stops dispatching
// new work once the run is cancelled.
func (c Condition) Evaluate(view RunView) (bool, error) {
	switch c.Kind {
	case Success:
		return !view.AnyFailed, nil
	case Failure:
		return view.AnyFailed, nil
	case Always:
		return true, nil
	case Cancelled:
		return view.Cancelled, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeCondition, "unrecognized condition expression %q", c.Raw)
	}
}

// Valid reports whether the expression is a member of the recognized set.
// Used by plan validation to reject unknown conditions early.
func Valid(expr string) bool {
	return Parse(expr).Kind != Unrecognized
}
