// Package policy provides the CEL-Go based case-open policy.
//
// The policy can only narrow the fixed threshold enforced by the
// repository: a case is opened when the score strictly exceeds 0.5 AND
// the expression evaluates to true.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultExpression reproduces the bare threshold.
const DefaultExpression = "risk_score > 0.5"

// Input holds the variables visible to a policy expression.
type Input struct {
	RiskScore     float64
	Amount        float64
	PaymentMethod string
}

// Gate evaluates a compiled case-open expression.
type Gate struct {
	mu         sync.RWMutex
	env        *cel.Env
	program    cel.Program
	expression string
}

// New compiles expr. An empty expr uses DefaultExpression.
func New(expr string) (*Gate, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}

	g := &Gate{env: env}
	if err := g.Reload(expr); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate reports whether expr compiles to a boolean policy. An empty
// expr is valid.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}
	env, err := newEnv()
	if err != nil {
		return err
	}
	_, err = compile(env, expr)
	return err
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("tier", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Reload swaps in a new expression.
func (g *Gate) Reload(expr string) error {
	if expr == "" {
		expr = DefaultExpression
	}

	program, err := compile(g.env, expr)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.program = program
	g.expression = expr
	g.mu.Unlock()
	return nil
}

// Expression returns the loaded expression.
func (g *Gate) Expression() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.expression
}

// Allow reports whether a case may be opened. Scores at or below the
// threshold are never allowed, whatever the expression says.
func (g *Gate) Allow(in Input) (bool, error) {
	if !domain.ShouldOpenCase(in.RiskScore) {
		return false, nil
	}

	g.mu.RLock()
	program := g.program
	g.mu.RUnlock()

	out, _, err := program.Eval(map[string]any{
		"risk_score":     in.RiskScore,
		"amount":         in.Amount,
		"payment_method": in.PaymentMethod,
		"tier":           string(domain.BadgeTier(in.RiskScore)),
	})
	if err != nil {
		return false, fmt.Errorf("policy evaluation failed: %w", err)
	}

	allowed, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("policy returned %s, expected bool", out.Type())
	}
	return bool(allowed), nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile policy: %w", domain.ErrInvalidInput, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: policy must return bool, got %s", domain.ErrInvalidInput, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return program, nil
}
