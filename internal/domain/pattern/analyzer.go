// Package pattern implements the regex/substring analysis channel.
// Matchers are pre-compiled by the technique catalogue; the analyzer is
// stateless and safe for concurrent use.
package pattern

import (
	"strings"

	"github.com/safe-mcp/gateway/internal/domain/technique"
)

const (
	// confidenceBase is the confidence of a single matcher firing.
	// One strong pattern match is treated as near-certain.
	confidenceBase = 0.95

	// confidenceDelta is added per additional distinct matcher,
	// saturating at 1.0.
	confidenceDelta = 0.05

	// maxEvidenceLen truncates matcher literals recorded as evidence.
	maxEvidenceLen = 80
)

// Result is the outcome of running one technique's matchers over a text.
type Result struct {
	Matched    bool
	Confidence float64
	// Evidence names the matchers that fired, in definition order.
	Evidence []string
}

// Analyze runs every compiled matcher of the technique against text.
// Empty text never matches, regardless of what the patterns would accept.
func Analyze(t *technique.Technique, text string) Result {
	if text == "" || len(t.Matchers) == 0 {
		return Result{}
	}

	folded := strings.ToLower(text)

	var res Result
	for _, m := range t.Matchers {
		if !matches(m, text, folded) {
			continue
		}
		res.Evidence = append(res.Evidence, "pattern: "+truncate(m.Spec.Pattern, maxEvidenceLen))
	}

	k := len(res.Evidence)
	if k == 0 {
		return res
	}

	res.Matched = true
	res.Confidence = confidenceBase + float64(k-1)*confidenceDelta
	if res.Confidence > 1.0 {
		res.Confidence = 1.0
	}
	return res
}

func matches(m technique.CompiledMatcher, text, folded string) bool {
	switch m.Spec.Kind {
	case technique.MatcherRegex:
		return m.Regex.MatchString(text)
	case technique.MatcherSubstring:
		if m.Spec.CaseSensitive {
			return strings.Contains(text, m.Spec.Pattern)
		}
		return strings.Contains(folded, m.FoldedLiteral)
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
