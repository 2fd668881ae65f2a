// Package cel compiles operator-supplied CEL expressions into
// detection rules. Expressions evaluate over the inspected text and
// call context and plug into the rule registry next to the built-in
// rule families.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/safe-mcp/gateway/internal/domain/rules"
)

// Safety limits on operator-supplied expressions. Length and nesting
// are checked before compilation; the cost budget and interrupt
// frequency bound the runtime of a compiled program.
const (
	maxExpressionLength = 1024
	maxNestingDepth     = 50
	maxCostBudget       = 100_000
	interruptCheckFreq  = 100

	evalTimeout = 5 * time.Second
)

// Evaluator compiles and evaluates CEL detection expressions.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator builds an Evaluator over the detection environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := NewDetectionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create detection environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks an expression into a runnable program
// with the cost budget attached.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// ValidateExpression gates an expression before it enters the
// registry: non-empty, within the length and nesting limits, and
// compilable.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := checkNestingDepth(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}
	return nil
}

// checkNestingDepth bounds parenthesis, bracket, and brace nesting.
func checkNestingDepth(expr string) error {
	var depth, deepest int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if deepest > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", deepest, maxNestingDepth)
	}
	return nil
}

// Evaluate runs a compiled program against the inspected text and call
// context. Evaluation is cut off after evalTimeout.
func (e *Evaluator) Evaluate(prg cel.Program, text string, rctx rules.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, BuildActivation(text, rctx))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return matched, nil
}
