package cel

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	celgo "github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/safe-mcp/gateway/internal/domain/rules"
)

// RuleDef is one operator-supplied detection rule.
type RuleDef struct {
	Name       string  `yaml:"name" validate:"required"`
	Expression string  `yaml:"expression" validate:"required"`
	Confidence float64 `yaml:"confidence" validate:"gte=0,lte=1"`
	Reason     string  `yaml:"reason" validate:"required"`
}

// ruleFile is the on-disk document shape.
type ruleFile struct {
	Rules []RuleDef `yaml:"rules" validate:"dive"`
}

// LoadRuleDefs reads CEL rule definitions from a YAML file.
func LoadRuleDefs(path string) ([]RuleDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}

	validate := validator.New()
	for i, def := range f.Rules {
		if err := validate.Struct(def); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, def.Name, err)
		}
	}
	return f.Rules, nil
}

// RegisterRules compiles each definition and registers it in the
// registry under its name. A definition that fails validation or
// compilation rejects the whole set, so a bad deploy cannot silently
// drop rules.
func RegisterRules(registry *rules.Registry, defs []RuleDef, logger *slog.Logger) error {
	evaluator, err := NewEvaluator()
	if err != nil {
		return err
	}

	compiled := make([]celgo.Program, len(defs))
	for i, def := range defs {
		if err := evaluator.ValidateExpression(def.Expression); err != nil {
			return fmt.Errorf("rule %s: %w", def.Name, err)
		}
		prg, err := evaluator.Compile(def.Expression)
		if err != nil {
			return fmt.Errorf("rule %s: %w", def.Name, err)
		}
		compiled[i] = prg
	}

	for i, def := range defs {
		registry.Register(def.Name, ruleFunc(evaluator, compiled[i], def, logger))
		logger.Info("cel detection rule registered", "rule", def.Name)
	}
	return nil
}

// ruleFunc adapts one compiled program to the registry's rule shape.
// Evaluation errors are logged and treated as not triggered; a broken
// expression must not take the rule channel down.
func ruleFunc(e *Evaluator, prg celgo.Program, def RuleDef, logger *slog.Logger) rules.Func {
	confidence := def.Confidence
	if confidence == 0 {
		confidence = 0.8
	}
	return func(text string, rctx rules.Context) rules.Result {
		ok, err := e.Evaluate(prg, text, rctx)
		if err != nil {
			logger.Warn("cel rule evaluation failed", "rule", def.Name, "error", err)
			return rules.Result{}
		}
		if !ok {
			return rules.Result{}
		}
		return rules.Result{
			Triggered:  true,
			Confidence: confidence,
			RuleIDs:    []string{def.Name},
			Reasons:    []string{def.Reason},
		}
	}
}
