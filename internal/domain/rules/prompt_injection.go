package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// instructionOverrideKeywords indicate an attempt to replace the agent's
// standing instructions.
var instructionOverrideKeywords = []string{
	"ignore", "disregard", "forget", "override",
	"previous instructions", "system prompt", "new instructions",
}

// roleManipulationKeywords indicate persona or role hijacking.
var roleManipulationKeywords = []string{
	"you are now", "act as", "pretend to be",
	"roleplay", "dan", "developer mode", "god mode",
}

// systemBypassPatterns mark fake system-channel framing.
var systemBypassPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[SYSTEM\]`),
	regexp.MustCompile(`(?i)<system>`),
	regexp.MustCompile(`(?i)\*\*system\*\*:`),
	regexp.MustCompile(`(?i)system:`),
	regexp.MustCompile(`(?i)new system prompt`),
}

// safetyOverrideKeywords indicate attempts to disable guardrails.
var safetyOverrideKeywords = []string{
	"disable safety", "turn off safety", "bypass restrictions",
	"no restrictions", "unlimited access", "remove filters",
	"disable guardrails", "bypass security",
}

var instructionVerbs = []string{"must", "should", "will", "can", "shall", "need to"}

var metaInstructionPhrases = []string{
	"from now on", "starting now", "beginning now",
	"reset your", "clear your", "new persona",
}

var (
	htmlCommentRe   = regexp.MustCompile(`(?s)<!--.*?-->`)
	hiddenMarkerRe  = regexp.MustCompile(`(?i)\[hidden.*?\]`)
	leetIgnoreRe    = regexp.MustCompile(`[i1!][gq]n[o0]r[e3]`)
	wordBoundaryDan = regexp.MustCompile(`(?i)\bdan\b`)
)

// PromptInjection scores a text for injected adversarial instructions.
// Eight sub-checks each add a fixed weight; the family triggers at 0.7.
func PromptInjection(text string, _ Context) Result {
	var res Result
	if text == "" {
		return res
	}

	lower := strings.ToLower(text)

	// Sub-check 1: instruction override keywords.
	overrides := 0
	for _, kw := range instructionOverrideKeywords {
		if strings.Contains(lower, kw) {
			overrides++
			res.Confidence += 0.15
		}
	}
	if overrides > 0 {
		res.RuleIDs = append(res.RuleIDs, "instruction_override")
		res.Reasons = append(res.Reasons, fmt.Sprintf("instruction override keywords detected (%d instances)", overrides))
	}

	// Sub-check 2: role manipulation. "dan" only counts as a whole
	// word so ordinary text (standard, dance) does not fire.
	roleHits := 0
	for _, kw := range roleManipulationKeywords {
		if kw == "dan" {
			if wordBoundaryDan.MatchString(text) {
				roleHits++
				res.Confidence += 0.15
			}
			continue
		}
		if strings.Contains(lower, kw) {
			roleHits++
			res.Confidence += 0.15
		}
	}
	if roleHits > 0 {
		res.RuleIDs = append(res.RuleIDs, "role_manipulation")
		res.Reasons = append(res.Reasons, fmt.Sprintf("role manipulation detected (%d instances)", roleHits))
	}

	// Sub-check 3: system prompt bypass framing.
	bypass := 0
	for _, re := range systemBypassPatterns {
		if re.MatchString(text) {
			bypass++
			res.Confidence += 0.2
		}
	}
	if bypass > 0 {
		res.RuleIDs = append(res.RuleIDs, "system_bypass")
		res.Reasons = append(res.Reasons, "system prompt bypass patterns detected")
	}

	// Sub-check 4: safety override keywords.
	safety := 0
	for _, kw := range safetyOverrideKeywords {
		if strings.Contains(lower, kw) {
			safety++
			res.Confidence += 0.2
		}
	}
	if safety > 0 {
		res.RuleIDs = append(res.RuleIDs, "safety_override")
		res.Reasons = append(res.Reasons, fmt.Sprintf("safety override keywords detected (%d instances)", safety))
	}

	// Sub-check 5: instruction-verb density in short text.
	verbs := 0
	for _, verb := range instructionVerbs {
		if strings.Contains(lower, verb) {
			verbs++
		}
	}
	if len(text) < 200 && verbs >= 4 {
		res.add(0.15, "excessive_instructions",
			fmt.Sprintf("excessive instruction verbs in short text (%d verbs)", verbs))
	}

	// Sub-check 6: hidden instructions.
	if htmlCommentRe.MatchString(text) {
		res.add(0.1, "hidden_instructions", "HTML comments detected (potential hidden instructions)")
	}
	if hiddenMarkerRe.MatchString(text) {
		res.add(0.15, "hidden_instructions", "hidden instruction markers detected")
	}

	// Sub-check 7: leet-speak obfuscation of instruction verbs.
	if leetIgnoreRe.MatchString(lower) {
		res.add(0.1, "obfuscation", "text obfuscation detected")
	}

	// Sub-check 8: meta-instructions.
	meta := 0
	for _, phrase := range metaInstructionPhrases {
		if strings.Contains(lower, phrase) {
			meta++
		}
	}
	if meta > 0 {
		res.Confidence += 0.2 * float64(meta)
		res.RuleIDs = append(res.RuleIDs, "meta_instructions")
		res.Reasons = append(res.Reasons, fmt.Sprintf("meta-instructions detected (%d instances)", meta))
	}

	res.finalize()
	return res
}
