// Package vm is the reactive runtime described in spec.md §4.6–§4.7: it
// interprets a compiled ProjectionData against a live model, maintaining a
// cache of projection values, a dirty set, listeners, and batched
// mutation.
package vm

import (
	"fmt"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// UndefinedFunctionError reports a lookup miss in the function library
// (spec.md §7), in debug and non-debug mode alike. Name is the missing name;
// Suggestion carries the closest registered name (by Levenshtein distance,
// empty when none is within 4 edits) as a "did you mean" hint, mirroring the
// teacher corpus's unknown-decorator-name suggestions.
type UndefinedFunctionError struct {
	Name       string
	Suggestion string
}

func (e *UndefinedFunctionError) Error() string {
	if e.Suggestion == "" {
		return fmt.Sprintf("vm: undefined function %q", e.Name)
	}
	return fmt.Sprintf("vm: undefined function %q (did you mean %q?)", e.Name, e.Suggestion)
}

func suggest(name string, known []string) string {
	best := ""
	bestDist := -1
	for _, k := range known {
		d := fuzzy.LevenshteinDistance(name, k)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = k
		}
	}
	if bestDist < 0 || bestDist > 4 {
		return ""
	}
	return best
}

// TypeError reports a failed runtime type check on a math or typed scalar
// operator (spec.md §7).
type TypeError struct {
	Operator string
	Expected string
	Actual   string
	Source   string
}

func (e *TypeError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("vm: %s expected %s, got %s", e.Operator, e.Expected, e.Actual)
	}
	return fmt.Sprintf("vm: %s expected %s, got %s (at %s)", e.Operator, e.Expected, e.Actual, e.Source)
}

// InvalidSetterError reports a setter invoked with the wrong arity or
// against a target shape it cannot operate on (spec.md §7).
type InvalidSetterError struct {
	Setter string
	Reason string
}

func (e *InvalidSetterError) Error() string {
	return fmt.Sprintf("vm: invalid setter %q: %s", e.Setter, e.Reason)
}

// RecalculationDivergenceError reports that recalculation did not reach a
// fixpoint within the bounded number of passes (spec.md §4.6, §7).
type RecalculationDivergenceError struct {
	Passes int
}

func (e *RecalculationDivergenceError) Error() string {
	return fmt.Sprintf("vm: recalculation did not converge after %d passes", e.Passes)
}
