package approval

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/storyloom/storyloom/internal/billing"
)

// Policy is an optional auto-accept guard compiled from a CEL expression.
// The expression sees one pending call at a time plus the batch estimate:
//
//	tool            string  wire-level function name
//	category        string  registry category ("media", "project", ...)
//	estimated_cost  double  batch estimate, in credits
//	balance         double  current credit balance
//
// Example: `category != "project" && estimated_cost < 10.0`. Auto-accept
// fires only when the expression is true for every enabled call.
type Policy struct {
	source  string
	program cel.Program
}

// CompilePolicy compiles an auto-accept policy expression. The expression
// must evaluate to a boolean.
func CompilePolicy(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("estimated_cost", cel.DoubleType),
		cel.Variable("balance", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid auto-accept policy: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("auto-accept policy must evaluate to a boolean, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to compile auto-accept policy: %w", err)
	}
	return &Policy{source: expr, program: program}, nil
}

// Allows evaluates the policy for one pending call. Evaluation errors are
// treated by callers as a deny.
func (p *Policy) Allows(call PendingCall, est billing.Estimate) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{
		"tool":           call.Name,
		"category":       call.Category,
		"estimated_cost": est.EstimatedCost,
		"balance":        est.Balance,
	})
	if err != nil {
		return false, fmt.Errorf("auto-accept policy evaluation failed: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("auto-accept policy returned %T, want bool", out.Value())
	}
	return allowed, nil
}

// String returns the policy source expression.
func (p *Policy) String() string { return p.source }
