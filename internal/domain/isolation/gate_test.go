package isolation

import (
	"testing"

	"github.com/safe-mcp/gateway/internal/domain/technique"
)

func hasViolation(d Decision, kind ViolationKind) bool {
	for _, v := range d.Violations {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

func TestCheckWorkspaceReadAllowed(t *testing.T) {
	g := NewGate("/workspace", nil)
	d := g.Check("read_file", map[string]interface{}{"path": "docs/report.txt"})
	if !d.Accepted {
		t.Errorf("expected accept, got violations %v", d.Violations)
	}
	if d.PolicyName != "read_file" {
		t.Errorf("policy name: got %q", d.PolicyName)
	}
}

func TestCheckTraversalEscapesWorkspace(t *testing.T) {
	g := NewGate("/workspace", nil)
	d := g.Check("read_file", map[string]interface{}{"path": "../../../../etc/passwd"})
	if d.Accepted {
		t.Fatal("expected rejection")
	}
	if !hasViolation(d, ViolationBlockedPath) {
		t.Errorf("expected blocked_path, got %v", d.Violations)
	}
	if !hasViolation(d, ViolationOutsideAllowed) {
		t.Errorf("expected outside_allowed_paths, got %v", d.Violations)
	}
	if d.Severity() != technique.SeverityCritical {
		t.Errorf("severity: got %v, want CRITICAL", d.Severity())
	}
}

func TestCheckAbsoluteSystemPath(t *testing.T) {
	g := NewGate("/workspace", nil)
	d := g.Check("read_file", map[string]interface{}{"path": "/etc/shadow"})
	if d.Accepted {
		t.Fatal("expected rejection")
	}
	if !hasViolation(d, ViolationBlockedPath) {
		t.Errorf("expected blocked_path, got %v", d.Violations)
	}
}

func TestCheckNetworkDeniedForFileTool(t *testing.T) {
	g := NewGate("/workspace", nil)
	d := g.Check("read_file", map[string]interface{}{"url": "https://evil.example.com"})
	if d.Accepted {
		t.Fatal("expected rejection")
	}
	if !hasViolation(d, ViolationNetworkDenied) {
		t.Errorf("expected network_denied, got %v", d.Violations)
	}
}

func TestCheckNetworkDomainAllowList(t *testing.T) {
	overrides := map[string]Policy{
		"http_request": {
			Capabilities:   []Capability{CapNetworkHTTP},
			AllowNetwork:   true,
			AllowedDomains: []string{"api.example.com"},
		},
	}
	g := NewGate("/workspace", overrides)

	ok := g.Check("http_request", map[string]interface{}{"url": "https://api.example.com/v1"})
	if !ok.Accepted {
		t.Errorf("allowed domain rejected: %v", ok.Violations)
	}

	bad := g.Check("http_request", map[string]interface{}{"url": "https://evil.example.org/"})
	if bad.Accepted {
		t.Fatal("expected rejection for non-allow-listed domain")
	}
	if !hasViolation(bad, ViolationDomainNotAllowed) {
		t.Errorf("expected domain_not_allowed, got %v", bad.Violations)
	}
}

func TestCheckResourceLimits(t *testing.T) {
	g := NewGate("/workspace", nil)

	size := g.Check("read_file", map[string]interface{}{
		"path": "docs/big.bin",
		"size": float64(100 * 1024 * 1024),
	})
	if size.Accepted || !hasViolation(size, ViolationSizeLimit) {
		t.Errorf("expected size_limit violation, got %v", size.Violations)
	}

	count := g.Check("list_files", map[string]interface{}{
		"path":  "docs",
		"count": float64(20000),
	})
	if count.Accepted || !hasViolation(count, ViolationCountLimit) {
		t.Errorf("expected count_limit violation, got %v", count.Violations)
	}
}

func TestCheckUnknownToolGetsRestrictivePolicy(t *testing.T) {
	g := NewGate("/workspace", nil)
	_, name := g.PolicyFor("teleport_frobnicator")
	if name != "restrictive" {
		t.Errorf("policy name: got %q, want restrictive", name)
	}
}

func TestCheckCapabilityInference(t *testing.T) {
	g := NewGate("/workspace", nil)

	// A list-classified tool whose name also implies process spawn is
	// missing the capability.
	d := g.Check("list_and_run", map[string]interface{}{"path": "docs"})
	if d.Accepted {
		t.Fatal("expected rejection")
	}
	if !hasViolation(d, ViolationMissingCapability) {
		t.Errorf("expected missing_capability, got %v", d.Violations)
	}
}

func TestPolicyForKeywordInference(t *testing.T) {
	g := NewGate("/workspace", nil)
	tests := []struct {
		tool string
		want string
	}{
		{"fetch_document", "read_file"},
		{"create_ticket", "write_file"},
		{"ls_tree", "list_files"},
		{"call_api", "http_request"},
		{"shell_task", "execute_command"},
		{"host_status", "system_info"},
	}
	for _, tt := range tests {
		if _, name := g.PolicyFor(tt.tool); name != tt.want {
			t.Errorf("PolicyFor(%q) = %q, want %q", tt.tool, name, tt.want)
		}
	}
}
