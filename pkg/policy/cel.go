package policy

import (
	"fmt"

	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/google/cel-go/cel"
)

// celCostLimit bounds the work a single expression may do per evaluation.
const celCostLimit = 10000

// CELOutcome is the outcome a CELRule produces when its expression holds.
type CELOutcome struct {
	Verdict      contracts.Verdict
	RiskTier     contracts.RiskTier
	RiskScore    float64
	ViolationKey string
	Reason       string
}

// CELRule matches when a CEL expression over tool, params and context
// evaluates to true. The expression is compiled once at construction.
//
// Available variables:
//
//	tool     string
//	params   map(string, dyn)
//	context  map(string, dyn) with actor_id, role, org_unit, agent_id,
//	         session_id, environment, jurisdiction, data_class, purpose
//	         and attributes
type CELRule struct {
	ruleMeta
	expr    string
	outcome CELOutcome
	prg     cel.Program
}

// NewCELRule compiles expr. Only BLOCK and ESCALATE verdicts are accepted.
func NewCELRule(id string, priority int, description, expr string, outcome CELOutcome) (*CELRule, error) {
	if expr == "" {
		return nil, fmt.Errorf("policy: rule %s: empty expression", id)
	}
	if _, err := contracts.ParseVerdict(string(outcome.Verdict)); err != nil {
		return nil, fmt.Errorf("policy: rule %s: %w", id, err)
	}
	if outcome.RiskScore < 0 || outcome.RiskScore > 10 {
		return nil, fmt.Errorf("policy: rule %s: risk score %.2f out of range [0,10]", id, outcome.RiskScore)
	}

	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: rule %s: compile: %w", id, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("policy: rule %s: expression yields %s, want bool", id, out)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: rule %s: program: %w", id, err)
	}

	return &CELRule{
		ruleMeta: ruleMeta{id: id, priority: priority, description: description},
		expr:     expr,
		outcome:  outcome,
		prg:      prg,
	}, nil
}

// Expression returns the source expression.
func (r *CELRule) Expression() string { return r.expr }

// Outcome returns the configured outcome.
func (r *CELRule) Outcome() CELOutcome { return r.outcome }

// Check evaluates the expression and reports evaluation failures.
func (r *CELRule) Check(ec contracts.ExecutionContext, tool string, params map[string]any) (*contracts.PolicyOutcome, error) {
	if params == nil {
		params = map[string]any{}
	}
	out, _, err := r.prg.Eval(map[string]any{
		"tool":    tool,
		"params":  params,
		"context": celContext(ec),
	})
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("result not bool: %v", out.Value())
	}
	if !matched {
		return nil, nil
	}
	return &contracts.PolicyOutcome{
		Verdict:      r.outcome.Verdict,
		RiskTier:     r.outcome.RiskTier,
		RiskScore:    r.outcome.RiskScore,
		ViolationKey: r.outcome.ViolationKey,
		Reason:       r.outcome.Reason,
		RuleID:       r.id,
	}, nil
}

// Evaluate satisfies Rule. An evaluation failure panics; the engine
// converts it into ErrRuleFault.
func (r *CELRule) Evaluate(ec contracts.ExecutionContext, tool string, params map[string]any) *contracts.PolicyOutcome {
	out, err := r.Check(ec, tool, params)
	if err != nil {
		panic(err)
	}
	return out
}

func celContext(ec contracts.ExecutionContext) map[string]any {
	attrs := make(map[string]any)
	for k, v := range ec.Attributes() {
		attrs[k] = v
	}
	return map[string]any{
		"actor_id":     ec.Actor.ID,
		"role":         ec.Actor.Role,
		"org_unit":     ec.Actor.OrgUnit,
		"agent_id":     ec.AgentID,
		"session_id":   ec.SessionID,
		"environment":  ec.Environment,
		"jurisdiction": ec.Jurisdiction,
		"data_class":   string(ec.DataClass),
		"purpose":      ec.Intent.Purpose,
		"attributes":   attrs,
	}
}
