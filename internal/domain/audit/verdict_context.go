package audit

import "context"

// verdictContextKey is the context key type for verdict propagation.
type verdictContextKey struct{}

// VerdictHolder is a mutable container placed in context by the
// AuditInterceptor. The inspection interceptor populates it with the
// outcome of security inspection. The AuditInterceptor reads it after
// the chain completes to fill the verdict fields of the record.
type VerdictHolder struct {
	// Decision is "allow", "warn" or "block". Empty means inspection
	// did not run for this message.
	Decision string
	// Severity of the verdict for warn/block decisions.
	Severity string
	// Score is the aggregated confidence.
	Score float64
	// MatchedTechniques lists technique IDs that matched.
	MatchedTechniques []string
	// Evidence holds detector evidence strings.
	Evidence []string
	// Mitigations lists mitigation IDs.
	Mitigations []string
	// Adjustments lists adaptive adjustments applied.
	Adjustments []string
	// Reason explains the decision.
	Reason string
	// Sanitized reports that a response body was replaced.
	Sanitized bool
	// TaintLevel is the taint classification of the data, if any.
	TaintLevel string
}

// NewVerdictContext returns a new context with an empty VerdictHolder.
// The AuditInterceptor calls this before invoking the chain.
func NewVerdictContext(ctx context.Context) (context.Context, *VerdictHolder) {
	holder := &VerdictHolder{}
	return context.WithValue(ctx, verdictContextKey{}, holder), holder
}

// VerdictFromContext retrieves the VerdictHolder from context.
// Returns nil if not present.
func VerdictFromContext(ctx context.Context) *VerdictHolder {
	holder, _ := ctx.Value(verdictContextKey{}).(*VerdictHolder)
	return holder
}
