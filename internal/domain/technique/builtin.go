package technique

// Builtin returns the catalogue the gateway falls back to when no
// descriptor directory is configured. It covers the three technique
// families the rule engine implements natively, so a bare deployment
// still blocks the common attacks.
func Builtin() *Catalogue {
	c := &Catalogue{
		techniques:  make(map[string]*Technique),
		mitigations: make(map[string]*Mitigation),
	}

	for _, t := range builtinTechniques() {
		if err := Compile(t); err != nil {
			// Built-in patterns are fixed strings; a compile failure
			// is a programming error.
			panic(err)
		}
		c.techniques[t.ID] = t
	}
	for _, m := range builtinMitigations() {
		c.mitigations[m.ID] = m
	}
	c.buildOrder()
	return c
}

func builtinTechniques() []*Technique {
	return []*Technique{
		{
			ID:          "SAFE-T1102",
			Name:        "Prompt Injection",
			Tactic:      TacticInitialAccess,
			Severity:    SeverityHigh,
			Enabled:     true,
			Description: "Adversarial instructions embedded in tool arguments or tool output that attempt to override the agent's directives.",
			Detection: DetectionConfig{
				Patterns: []PatternSpec{
					{Kind: MatcherRegex, Pattern: `ignore\s+(all\s+)?(previous|prior|above)\s+instructions`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `disregard\s+(your|all|previous|the)\s+\w*\s*(instructions|rules|guidelines)`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `forget\s+(everything|all|your\s+instructions)`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `(you\s+are\s+now|pretend\s+(to\s+be|you\s+are)|act\s+as\s+(if|a|an))`, Weight: 0.9},
					{Kind: MatcherRegex, Pattern: `(reveal|show|print|repeat)\s+(your\s+)?(system\s+prompt|initial\s+instructions|secrets?)`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `(jailbreak|developer\s+mode|dan\s+mode)`, Weight: 0.9},
					{Kind: MatcherRegex, Pattern: `<!--[\s\S]*?-->`, Weight: 0.6},
					{Kind: MatcherRegex, Pattern: `\[hidden[^\]]*\]`, Weight: 0.8},
					{Kind: MatcherSubstring, Pattern: "from now on", Weight: 0.7},
				},
				Rules: []string{"prompt_injection"},
				MLModel: &MLModelRef{
					Name:      "safe-mcp/T1102-detector",
					Threshold: 0.75,
					Weight:    0.10,
				},
			},
			Mitigations: []string{"SAFE-M-1", "SAFE-M-4"},
		},
		{
			ID:          "SAFE-T1105",
			Name:        "Path Traversal",
			Tactic:      TacticCollection,
			Severity:    SeverityHigh,
			Enabled:     true,
			Description: "File arguments escaping the sandbox root to reach system files or other users' data.",
			Detection: DetectionConfig{
				Patterns: []PatternSpec{
					{Kind: MatcherRegex, Pattern: `\.\.[/\\]`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `%2e%2e[%2f/\\]`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `%252e%252e`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `(%00|\\x00|\x00)`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `file://`, Weight: 0.8},
					{Kind: MatcherRegex, Pattern: `^\\\\[^\\]+\\`, Weight: 0.8},
					{Kind: MatcherRegex, Pattern: `/etc/(passwd|shadow|sudoers)`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `(\.ssh|\.aws|\.gnupg)[/\\]`, Weight: 0.9},
					{Kind: MatcherRegex, Pattern: `[A-Za-z]:\\(Windows|Program Files)`, Weight: 0.8},
					{Kind: MatcherRegex, Pattern: `~[/\\]\.\.`, Weight: 0.8},
				},
				Rules: []string{"path_traversal"},
				Applies: &Applicability{
					ArgKeys: []string{"path", "file", "filename", "directory", "dir", "filepath", "uri", "url", "content"},
				},
			},
			Mitigations: []string{"SAFE-M-2", "SAFE-M-3"},
		},
		{
			ID:          "SAFE-T1110",
			Name:        "Command Injection",
			Tactic:      TacticExecution,
			Severity:    SeverityCritical,
			Enabled:     true,
			Description: "Shell metacharacters or chained commands smuggled through string arguments of tools that reach a command interpreter.",
			Detection: DetectionConfig{
				Patterns: []PatternSpec{
					{Kind: MatcherRegex, Pattern: `;\s*(rm|cat|curl|wget|nc|sh|bash)\b`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: "`[^`]+`", Weight: 0.9},
					{Kind: MatcherRegex, Pattern: `\$\([^)]+\)`, Weight: 0.9},
					{Kind: MatcherRegex, Pattern: `\|\s*(sh|bash|zsh)\b`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `rm\s+-rf?\s+[/~]`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `(curl|wget)\s+[^\s]+\s*\|\s*(sh|bash)`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `nc\s+(-e|-c)\b`, Weight: 1.0},
					{Kind: MatcherRegex, Pattern: `(&&|\|\|)\s*(rm|chmod|chown|curl|wget)\b`, Weight: 0.9},
					{Kind: MatcherRegex, Pattern: `>\s*/dev/(tcp|udp)/`, Weight: 1.0},
				},
				Rules: []string{"command_injection"},
			},
			Mitigations: []string{"SAFE-M-2", "SAFE-M-5"},
		},
	}
}

func builtinMitigations() []*Mitigation {
	return []*Mitigation{
		{
			ID:            "SAFE-M-1",
			Name:          "Instruction/data separation",
			Description:   "Keep tool output out of the instruction channel; treat all tool-provided text as untrusted data.",
			Effectiveness: "high",
			AppliesTo:     []string{"SAFE-T1102"},
		},
		{
			ID:            "SAFE-M-2",
			Name:          "Argument allow-listing",
			Description:   "Validate path and command arguments against explicit allow-lists before execution.",
			Effectiveness: "high",
			AppliesTo:     []string{"SAFE-T1105", "SAFE-T1110"},
		},
		{
			ID:            "SAFE-M-3",
			Name:          "Workspace confinement",
			Description:   "Resolve file paths and reject any that escape the configured workspace root.",
			Effectiveness: "high",
			AppliesTo:     []string{"SAFE-T1105"},
		},
		{
			ID:            "SAFE-M-4",
			Name:          "Output sanitization",
			Description:   "Scan tool responses for injected instructions and replace flagged content with a sentinel.",
			Effectiveness: "medium",
			AppliesTo:     []string{"SAFE-T1102"},
		},
		{
			ID:            "SAFE-M-5",
			Name:          "Shell-free execution",
			Description:   "Invoke subprocesses with argument vectors, never through a shell interpreter.",
			Effectiveness: "high",
			AppliesTo:     []string{"SAFE-T1110"},
		},
	}
}
