// Package policy evaluates tool calls against a versioned bundle of
// prioritized rules. The first matching rule in descending priority order
// decides; no match means the call is allowed.
package policy

import (
	"fmt"

	"github.com/execlayer/kernel/pkg/contracts"
)

// Rule is a single governance check. Evaluate returns nil when the rule
// does not apply. Implementations must not hold mutable state.
type Rule interface {
	ID() string
	Priority() int
	Description() string
	Evaluate(ec contracts.ExecutionContext, tool string, params map[string]any) *contracts.PolicyOutcome
}

// checkedRule is implemented by rules that can fail at evaluation time.
// The engine prefers Check over Evaluate so failures surface as errors.
type checkedRule interface {
	Check(ec contracts.ExecutionContext, tool string, params map[string]any) (*contracts.PolicyOutcome, error)
}

type ruleMeta struct {
	id          string
	priority    int
	description string
}

func (m ruleMeta) ID() string          { return m.id }
func (m ruleMeta) Priority() int       { return m.priority }
func (m ruleMeta) Description() string { return m.description }

// stringParam renders a loosely typed parameter. Missing and nil values
// are the empty string.
func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// effectiveDataClass prefers the call's data_class parameter and falls
// back to the context classification.
func effectiveDataClass(ec contracts.ExecutionContext, params map[string]any) string {
	if dc := stringParam(params, "data_class"); dc != "" {
		return dc
	}
	return string(ec.DataClass)
}
