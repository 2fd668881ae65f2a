// Package rules implements the structured rule channel: named, pure
// validators that score a text view plus request context and report
// which sub-checks fired. Rule implementations are deterministic and
// side-effect-free; the dispatcher may run them concurrently.
package rules

import (
	"sync"
)

// triggerThreshold is the aggregate risk at which a rule family reports
// a triggered verdict.
const triggerThreshold = 0.7

// Context carries the request facts a rule may consult.
type Context struct {
	Method    string
	ToolName  string
	Arguments map[string]interface{}
}

// Result is the scored outcome of one rule family.
type Result struct {
	Triggered  bool
	Confidence float64

	// RuleIDs lists the stable identifiers of the sub-checks that
	// fired, for audit records.
	RuleIDs []string

	// Reasons are short human strings, parallel in spirit to RuleIDs.
	Reasons []string
}

func (r *Result) add(delta float64, ruleID, reason string) {
	r.Confidence += delta
	r.RuleIDs = append(r.RuleIDs, ruleID)
	r.Reasons = append(r.Reasons, reason)
}

func (r *Result) finalize() {
	if r.Confidence > 1.0 {
		r.Confidence = 1.0
	}
	r.Triggered = r.Confidence >= triggerThreshold
}

// Func is a pure detection rule: (text, context) -> scored result.
type Func func(text string, ctx Context) Result

// Registry resolves logical rule names referenced by technique
// descriptors. The built-in families are pre-registered; additional
// rules (e.g. CEL-backed ones) may be added before serving starts.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Func
}

// NewRegistry returns a registry with the built-in rule families.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]Func)}
	r.Register("prompt_injection", PromptInjection)
	r.Register("path_traversal", PathTraversal)
	r.Register("command_injection", CommandInjection)
	return r
}

// Register adds or replaces a rule under the given logical name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[name] = fn
}

// Lookup returns the rule registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.rules[name]
	return fn, ok
}

// Names returns the registered rule names (unordered).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	return names
}
