package isolation

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// pathArgKeys are the argument names treated as filesystem paths.
var pathArgKeys = []string{"path", "file", "filename", "directory", "dir", "filepath"}

// networkArgKeys are the argument names treated as network destinations.
var networkArgKeys = []string{"url", "host", "domain", "endpoint", "api_url"}

// systemBlockedPaths are denied for every tool regardless of policy.
var systemBlockedPaths = []string{
	"/etc/passwd",
	"/etc/shadow",
	"/proc",
	"/sys",
	"/dev",
	"/boot",
	"/root",
	"/.ssh",
	"/var/log",
}

// maxCountArgument caps iteration-style arguments for every tool.
const maxCountArgument = 10000

// Gate evaluates tool calls against per-tool isolation policies.
// Policies are immutable after construction; Check is safe for
// concurrent use.
type Gate struct {
	workspaceRoot string
	policies      map[string]Policy
	restrictive   Policy
}

// NewGate builds a gate rooted at workspaceRoot. overrides replace or
// extend the built-in per-tool defaults.
func NewGate(workspaceRoot string, overrides map[string]Policy) *Gate {
	if workspaceRoot == "" {
		workspaceRoot = "/workspace"
	}
	g := &Gate{
		workspaceRoot: path.Clean(workspaceRoot),
		policies:      defaultPolicies(workspaceRoot),
		restrictive: Policy{
			BlockedPaths:     systemBlockedPaths,
			MaxExecutionTime: time.Second,
			MaxMemoryMB:      50,
			MaxFileSizeMB:    1,
		},
	}
	for name, p := range overrides {
		g.policies[name] = p
	}
	return g
}

// LoadPolicies reads per-tool policy overrides from a YAML document
// mapping tool name to policy.
func LoadPolicies(file string) (map[string]Policy, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading isolation policies: %w", err)
	}
	var doc map[string]Policy
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing isolation policies: %w", err)
	}
	return doc, nil
}

func defaultPolicies(workspace string) map[string]Policy {
	return map[string]Policy{
		"read_file": {
			Capabilities:     []Capability{CapFileRead},
			AllowedPaths:     []string{workspace},
			BlockedPaths:     systemBlockedPaths,
			MaxExecutionTime: 5 * time.Second,
			MaxMemoryMB:      100,
			MaxFileSizeMB:    10,
		},
		"write_file": {
			Capabilities:     []Capability{CapFileWrite, CapFileRead},
			AllowedPaths:     []string{workspace},
			BlockedPaths:     systemBlockedPaths,
			MaxExecutionTime: 10 * time.Second,
			MaxMemoryMB:      200,
			MaxFileSizeMB:    50,
		},
		"list_files": {
			Capabilities:     []Capability{CapFileList},
			AllowedPaths:     []string{workspace},
			BlockedPaths:     systemBlockedPaths,
			MaxExecutionTime: 3 * time.Second,
			MaxMemoryMB:      50,
			MaxFileSizeMB:    1,
		},
		"http_request": {
			Capabilities:     []Capability{CapNetworkHTTP},
			BlockedPaths:     systemBlockedPaths,
			MaxExecutionTime: 30 * time.Second,
			MaxMemoryMB:      100,
			AllowNetwork:     true,
		},
		"execute_command": {
			Capabilities:     []Capability{CapProcessSpawn},
			AllowedPaths:     []string{workspace},
			BlockedPaths:     append(append([]string{}, systemBlockedPaths...), "/bin", "/usr/bin", "/sbin"),
			MaxExecutionTime: 10 * time.Second,
			MaxMemoryMB:      200,
			MaxFileSizeMB:    10,
		},
		"system_info": {
			Capabilities:     []Capability{CapSystemInfo},
			BlockedPaths:     systemBlockedPaths,
			MaxExecutionTime: 2 * time.Second,
			MaxMemoryMB:      50,
		},
	}
}

// PolicyFor resolves the policy for a tool: exact name match first,
// then keyword inference, then the most restrictive default.
func (g *Gate) PolicyFor(toolName string) (Policy, string) {
	if p, ok := g.policies[toolName]; ok {
		return p, toolName
	}

	lower := strings.ToLower(toolName)
	switch {
	case containsAny(lower, "read", "get", "fetch", "load"):
		return g.policies["read_file"], "read_file"
	case containsAny(lower, "write", "create", "update", "delete", "save"):
		return g.policies["write_file"], "write_file"
	case containsAny(lower, "list", "dir", "ls"):
		return g.policies["list_files"], "list_files"
	case containsAny(lower, "http", "request", "api"):
		return g.policies["http_request"], "http_request"
	case containsAny(lower, "exec", "run", "command", "shell"):
		return g.policies["execute_command"], "execute_command"
	case containsAny(lower, "system", "info", "status"):
		return g.policies["system_info"], "system_info"
	}
	return g.restrictive, "restrictive"
}

// Check validates a tool call against its policy. Purely declarative:
// only the argument values are inspected, nothing is executed.
func (g *Gate) Check(toolName string, args map[string]interface{}) Decision {
	policy, policyName := g.PolicyFor(toolName)

	var violations []Violation
	violations = append(violations, g.checkFilesystem(args, policy)...)
	violations = append(violations, checkNetwork(args, policy)...)
	violations = append(violations, checkResources(args, policy)...)
	violations = append(violations, checkCapabilities(toolName, policy)...)

	return Decision{
		Accepted:   len(violations) == 0,
		Violations: violations,
		PolicyName: policyName,
	}
}

func (g *Gate) checkFilesystem(args map[string]interface{}, policy Policy) []Violation {
	var violations []Violation

	for _, key := range pathArgKeys {
		raw, ok := args[key]
		if !ok {
			continue
		}
		pathStr, ok := raw.(string)
		if !ok {
			continue
		}

		abs := g.resolve(pathStr)

		for _, blocked := range policy.BlockedPaths {
			if strings.HasPrefix(abs, blocked) {
				violations = append(violations, Violation{
					Kind:   ViolationBlockedPath,
					Detail: fmt.Sprintf("path %q accesses blocked directory %q", pathStr, blocked),
				})
			}
		}

		if len(policy.AllowedPaths) > 0 {
			allowed := false
			for _, prefix := range policy.AllowedPaths {
				if strings.HasPrefix(abs, path.Clean(prefix)) {
					allowed = true
					break
				}
			}
			if !allowed {
				violations = append(violations, Violation{
					Kind:   ViolationOutsideAllowed,
					Detail: fmt.Sprintf("path %q is outside allowed paths", pathStr),
				})
			}
		}
	}
	return violations
}

// resolve produces a lexically absolute, cleaned form of a path
// argument. Relative paths resolve against the workspace root, so
// "docs/a.txt" is inside the sandbox while "../../etc/passwd" escapes
// it visibly.
func (g *Gate) resolve(p string) string {
	unified := strings.ReplaceAll(p, `\`, "/")
	if !strings.HasPrefix(unified, "/") {
		unified = g.workspaceRoot + "/" + unified
	}
	return path.Clean(unified)
}

func checkNetwork(args map[string]interface{}, policy Policy) []Violation {
	var violations []Violation

	for _, key := range networkArgKeys {
		raw, ok := args[key]
		if !ok {
			continue
		}
		dest, _ := raw.(string)

		if !policy.AllowNetwork {
			violations = append(violations, Violation{
				Kind:   ViolationNetworkDenied,
				Detail: "tool attempts network access but policy disallows it",
			})
			continue
		}
		if len(policy.AllowedDomains) > 0 {
			allowed := false
			for _, domain := range policy.AllowedDomains {
				if strings.Contains(dest, domain) {
					allowed = true
					break
				}
			}
			if !allowed {
				violations = append(violations, Violation{
					Kind:   ViolationDomainNotAllowed,
					Detail: fmt.Sprintf("destination %q not in allowed domains", dest),
				})
			}
		}
	}
	return violations
}

func checkResources(args map[string]interface{}, policy Policy) []Violation {
	var violations []Violation

	if size, ok := numericArg(args, "size"); ok && policy.MaxFileSizeMB > 0 {
		sizeMB := size / (1024 * 1024)
		if sizeMB > float64(policy.MaxFileSizeMB) {
			violations = append(violations, Violation{
				Kind:   ViolationSizeLimit,
				Detail: fmt.Sprintf("requested size %.2fMB exceeds limit %dMB", sizeMB, policy.MaxFileSizeMB),
			})
		}
	}

	if count, ok := numericArg(args, "count"); ok && count > maxCountArgument {
		violations = append(violations, Violation{
			Kind:   ViolationCountLimit,
			Detail: fmt.Sprintf("count %.0f exceeds limit %d", count, maxCountArgument),
		})
	}
	return violations
}

func checkCapabilities(toolName string, policy Policy) []Violation {
	lower := strings.ToLower(toolName)

	var required []Capability
	if containsAny(lower, "read", "get", "load") {
		required = append(required, CapFileRead)
	}
	if containsAny(lower, "write", "create", "update") {
		required = append(required, CapFileWrite)
	}
	if containsAny(lower, "http", "network", "api") {
		required = append(required, CapNetworkHTTP)
	}
	if containsAny(lower, "exec", "run", "command") {
		required = append(required, CapProcessSpawn)
	}

	var missing []string
	for _, c := range required {
		if !policy.grants(c) {
			missing = append(missing, string(c))
		}
	}
	if len(missing) > 0 {
		return []Violation{{
			Kind:   ViolationMissingCapability,
			Detail: fmt.Sprintf("tool requires capabilities %v not granted by policy", missing),
		}}
	}
	return nil
}

func numericArg(args map[string]interface{}, key string) (float64, bool) {
	raw, ok := args[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
