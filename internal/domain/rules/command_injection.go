package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// shellChainRe matches command chaining through a shell.
var shellChainRe = regexp.MustCompile(`(;|&&|\|\|)\s*\w`)

// shellSubstitutionRe matches backtick and $() command substitution.
var shellSubstitutionRe = regexp.MustCompile("`[^`]+`|\\$\\([^)]+\\)")

// pipeToInterpreterRe matches piping into a shell or scripting interpreter.
var pipeToInterpreterRe = regexp.MustCompile(`\|\s*(sh|bash|zsh|python[0-9.]*|perl|ruby)\b`)

// destructiveCommandRe matches destructive filesystem commands.
var destructiveCommandRe = regexp.MustCompile(`\b(rm\s+-[rf]{1,2}|mkfs|dd\s+if=|chmod\s+777|:\(\)\s*\{)`)

// downloadExecRe matches fetch-then-execute chains.
var downloadExecRe = regexp.MustCompile(`(curl|wget)\s+\S+.*\|\s*(sh|bash)`)

// reverseShellRe matches common reverse-shell constructions.
var reverseShellRe = regexp.MustCompile(`nc\s+(-e|-c)\b|/dev/(tcp|udp)/`)

// dangerousBinaries are interpreters and network tools that rarely
// belong in tool arguments.
var dangerousBinaries = []string{
	"nc ", "netcat", "ncat", "socat", "telnet ",
	"bash -i", "sh -i", "python -c", "perl -e",
}

// redirectionRe matches output redirection into sensitive locations.
var redirectionRe = regexp.MustCompile(`>\s*/(etc|root|boot|sys)/`)

// CommandInjection scores a text for shell metacharacters and chained
// commands smuggled through string arguments.
func CommandInjection(text string, _ Context) Result {
	var res Result
	if text == "" {
		return res
	}
	lower := strings.ToLower(text)

	if shellChainRe.MatchString(text) {
		res.add(0.3, "shell_metacharacters", "shell command chaining metacharacters detected")
	}
	if shellSubstitutionRe.MatchString(text) {
		res.add(0.4, "command_substitution", "command substitution detected")
	}
	if pipeToInterpreterRe.MatchString(lower) {
		res.add(0.4, "pipe_to_interpreter", "pipe into shell interpreter detected")
	}
	if destructiveCommandRe.MatchString(lower) {
		res.add(0.5, "destructive_command", "destructive command detected")
	}
	if downloadExecRe.MatchString(lower) {
		res.add(0.5, "download_exec", "download-and-execute chain detected")
	}
	if reverseShellRe.MatchString(lower) {
		res.add(0.5, "reverse_shell", "reverse shell construction detected")
	}

	binHits := 0
	for _, bin := range dangerousBinaries {
		if strings.Contains(lower, bin) {
			binHits++
		}
	}
	if binHits > 0 {
		res.Confidence += 0.2 * float64(binHits)
		res.RuleIDs = append(res.RuleIDs, "dangerous_binary")
		res.Reasons = append(res.Reasons, fmt.Sprintf("dangerous binaries referenced (%d instances)", binHits))
	}

	if redirectionRe.MatchString(lower) {
		res.add(0.4, "sensitive_redirection", "output redirection into system directory")
	}

	res.finalize()
	return res
}
