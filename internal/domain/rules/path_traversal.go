package rules

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// sensitiveFilePatterns are commonly targeted credential and system files.
var sensitiveFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/etc/passwd$`),
	regexp.MustCompile(`(?i)/etc/shadow$`),
	regexp.MustCompile(`(?i)/\.ssh/id_rsa$`),
	regexp.MustCompile(`(?i)/\.ssh/authorized_keys$`),
	regexp.MustCompile(`(?i)/\.env$`),
	regexp.MustCompile(`(?i)/config/database\.(yml|yaml|json)$`),
	regexp.MustCompile(`(?i)/\.aws/credentials$`),
	regexp.MustCompile(`(?i)system32/config/sam$`),
	regexp.MustCompile(`(?i)/proc/self/environ$`),
}

// allowedBasePaths are the sandbox roots a relative path may start from.
var allowedBasePaths = []string{
	"/workspace",
	"/tmp/mcp-safe",
	"./data",
	"./workspace",
	"workspace",
	"data",
	"uploads",
	"downloads",
	"documents",
}

type traversalPattern struct {
	re   *regexp.Regexp
	desc string
}

var traversalSequences = []traversalPattern{
	{regexp.MustCompile(`\.\./|\.\.\\`), "unix/windows traversal sequence"},
	{regexp.MustCompile(`\.\.//|\.\.\\\\`), "double-slash traversal"},
	{regexp.MustCompile(`\.\.;`), "semicolon traversal"},
	{regexp.MustCompile(`(?i)%2e%2e`), "url-encoded traversal"},
	{regexp.MustCompile(`(?i)%252e`), "double url-encoded traversal"},
	{regexp.MustCompile("\u2024\u2024"), "unicode dot traversal"},
}

var encodingObfuscations = []traversalPattern{
	{regexp.MustCompile(`(?i)%c0%af`), "utf-8 overlong encoding"},
	{regexp.MustCompile(`(?i)%c1%9c`), "utf-8 overlong encoding"},
	{regexp.MustCompile(`(?i)\\x2e\\x2e`), "hex encoding"},
}

var (
	windowsDriveRe = regexp.MustCompile(`[a-zA-Z]:\\`)
	uncPrefixRe    = regexp.MustCompile(`^\\\\`)
)

// dangerousDirs are system directories no tool argument should reference.
var dangerousDirs = []string{
	"/etc/", "/root/", "/sys/", "/proc/",
	`c:\windows\`, `c:\program files\`,
}

// PathTraversal scores a path-shaped text for sandbox escape attempts.
// Twelve sub-checks, triggering at an aggregate of 0.7.
func PathTraversal(text string, _ Context) Result {
	var res Result
	p := strings.TrimSpace(text)
	if p == "" {
		return res
	}
	lower := strings.ToLower(p)

	// Sub-check 1: traversal sequences (counted once).
	for _, tp := range traversalSequences {
		if tp.re.MatchString(p) {
			res.add(0.4, "traversal_sequence", "detected: "+tp.desc)
			break
		}
	}

	// Sub-check 2: absolute paths. Tool arguments are expected to be
	// sandbox-relative.
	if isAbsPath(p) {
		res.add(0.3, "absolute_path", "absolute path not allowed")
	}

	// Sub-check 3: null byte injection.
	if strings.ContainsRune(p, 0) || strings.Contains(lower, "%00") {
		res.add(0.5, "null_byte", "null byte injection detected")
	}

	// Sub-check 4: normalized path escaping the sandbox, and sensitive
	// file targets once normalized.
	normalized := normalizeSlashes(p)
	if strings.HasPrefix(normalized, "..") || strings.Contains(normalized, "/..") {
		res.add(0.4, "sandbox_escape", "path escapes sandbox boundary")
	}
	if strings.HasPrefix(normalized, "/") || windowsDriveRe.MatchString(p) {
		for _, re := range sensitiveFilePatterns {
			if re.MatchString(normalized) {
				res.add(0.5, "sensitive_file", "targeting sensitive file: "+normalized)
				break
			}
		}
	}

	// Sub-check 5: file:// protocol.
	if strings.HasPrefix(lower, "file://") {
		res.add(0.4, "file_protocol", "file protocol URI detected")
	}

	// Sub-check 6: UNC paths.
	if uncPrefixRe.MatchString(p) {
		res.add(0.4, "unc_path", "UNC path detected")
	}

	// Sub-check 7: tilde expansion combined with traversal.
	if strings.HasPrefix(p, "~") && strings.Contains(p, "..") {
		res.add(0.3, "tilde_traversal", "tilde expansion with traversal")
	}

	// Sub-check 8: excessive directory depth.
	depth := strings.Count(p, "/") + strings.Count(p, `\`)
	if depth > 10 {
		res.add(0.2, "excessive_depth", fmt.Sprintf("excessive directory depth (%d levels)", depth))
	}

	// Sub-check 9: allow-listed base paths.
	if !startsWithAllowedBase(p) {
		if !strings.HasPrefix(p, "./") || strings.Contains(p, "..") {
			res.add(0.2, "non_whitelisted_base", "path not in allowed directories")
		}
	}

	// Sub-check 10: encoding obfuscation (counted once).
	for _, tp := range encodingObfuscations {
		if tp.re.MatchString(p) {
			res.add(0.3, "encoding_obfuscation", "detected: "+tp.desc)
			break
		}
	}

	// Sub-check 11: Windows drive letters.
	if windowsDriveRe.MatchString(p) {
		res.add(0.3, "windows_drive", "Windows drive letter detected")
	}

	// Sub-check 12: reserved system directories.
	for _, dir := range dangerousDirs {
		if strings.Contains(lower, dir) {
			res.add(0.4, "system_directory", "system directory access: "+dir)
			break
		}
	}

	res.finalize()
	return res
}

// isAbsPath recognizes Unix and Windows drive absolute forms regardless
// of the host platform. UNC prefixes are scored by their own sub-check.
func isAbsPath(p string) bool {
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

// normalizeSlashes folds Windows separators and resolves dot segments
// lexically so traversal checks behave the same on every platform.
func normalizeSlashes(p string) string {
	unified := strings.ReplaceAll(p, `\`, "/")
	// path.Clean collapses "a/b/../c" but keeps leading ".." segments,
	// which is exactly what the sandbox-escape check needs.
	cleaned := path.Clean(unified)
	if cleaned == "." {
		return ""
	}
	return cleaned
}

func startsWithAllowedBase(p string) bool {
	for _, base := range allowedBasePaths {
		if strings.HasPrefix(p, base) || strings.HasPrefix(p, "./"+base) {
			return true
		}
	}
	return false
}
