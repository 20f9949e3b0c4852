package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/execlayer/kernel/pkg/contracts"
)

// ErrRuleFault is returned when a rule panics or fails to evaluate. It is
// never converted into an allow decision.
var ErrRuleFault = errors.New("policy: rule fault")

// Engine evaluates a bundle first-match-wins in descending priority.
// It is safe for concurrent use.
type Engine struct {
	bundle *Bundle
	rules  []Rule
	logger *slog.Logger
}

// NewEngine sorts the bundle's rules once. Rules of equal priority keep
// their bundle order.
func NewEngine(b *Bundle) *Engine {
	rules := b.Rules()
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority() > rules[j].Priority()
	})
	return &Engine{
		bundle: b,
		rules:  rules,
		logger: slog.Default().With("component", "policy"),
	}
}

// Bundle returns the bundle the engine evaluates.
func (e *Engine) Bundle() *Bundle { return e.bundle }

// Ordered returns the rules in evaluation order.
func (e *Engine) Ordered() []Rule { return append([]Rule(nil), e.rules...) }

// Evaluate returns the first matching outcome, or nil when no rule fires.
func (e *Engine) Evaluate(ec contracts.ExecutionContext, tool string, params map[string]any) (*contracts.PolicyOutcome, error) {
	for _, r := range e.rules {
		out, err := e.apply(r, ec, tool, params)
		if err != nil {
			e.logger.Error("rule fault", "rule_id", r.ID(), "tool", tool, "error", err)
			return nil, err
		}
		if out == nil {
			continue
		}
		if out.RuleID == "" {
			stamped := *out
			stamped.RuleID = r.ID()
			out = &stamped
		}
		return out, nil
	}
	return nil, nil
}

func (e *Engine) apply(r Rule, ec contracts.ExecutionContext, tool string, params map[string]any) (out *contracts.PolicyOutcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("%w: %s: panic: %v", ErrRuleFault, r.ID(), p)
		}
	}()
	if cr, ok := r.(checkedRule); ok {
		out, err = cr.Check(ec, tool, params)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRuleFault, r.ID(), err)
		}
		return out, nil
	}
	return r.Evaluate(ec, tool, params), nil
}
