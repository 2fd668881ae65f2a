package callgraph

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// defaultMaxNodes bounds each session graph. Oldest calls are
	// evicted first.
	defaultMaxNodes = 10000

	// chainCutoff is the maximum path depth explored when extracting
	// suspicious chains.
	chainCutoff = 5

	// minChainLen is the minimum number of calls for a chain to count.
	minChainLen = 3

	maxChainsTracked  = 10
	maxChainsReported = 5

	// dependencyMinLen and dependencyPrefixLen define the data-flow
	// heuristic: a result longer than dependencyMinLen whose leading
	// prefix reappears in the next call's arguments links the two.
	dependencyMinLen    = 10
	dependencyPrefixLen = 20
)

// attackPatterns are known multi-stage tool sequences, matched by
// substring against lowercased tool names along data-flow edges.
var attackPatterns = map[string][][]string{
	"data_exfiltration": {
		{"read_file", "send_http"},
		{"read_file", "write_file", "send_http"},
		{"list_files", "read_multiple", "external_api"},
		{"query_database", "encode_data", "network_request"},
	},
	"privilege_escalation": {
		{"read_config", "modify_settings", "restart_service"},
		{"list_users", "create_user", "grant_permissions"},
		{"read_credentials", "authenticate", "elevated_action"},
	},
	"reconnaissance": {
		{"list_files", "list_files", "list_files"},
		{"query_system", "query_network", "query_processes"},
		{"read_multiple_files", "analyze_structure"},
	},
	"persistence": {
		{"create_file", "modify_startup", "schedule_task"},
		{"write_config", "create_service", "enable_autostart"},
	},
	"lateral_movement": {
		{"discover_hosts", "connect_remote", "execute_remote"},
		{"read_credentials", "authenticate_remote", "deploy_agent"},
	},
}

// patternOrder fixes iteration order so reports are deterministic.
var patternOrder = []string{
	"data_exfiltration",
	"privilege_escalation",
	"reconnaissance",
	"persistence",
	"lateral_movement",
}

type sessionGraph struct {
	mu    sync.Mutex
	nodes []*node
	seq   int
}

// Analyzer tracks per-session call graphs. Safe for concurrent use;
// sessions are locked independently.
type Analyzer struct {
	mu       sync.RWMutex
	sessions map[string]*sessionGraph
	maxNodes int
}

// Option configures the analyzer.
type Option func(*Analyzer)

// WithMaxNodes overrides the per-session node cap.
func WithMaxNodes(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxNodes = n
		}
	}
}

// NewAnalyzer builds an analyzer with empty session state.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{
		sessions: make(map[string]*sessionGraph),
		maxNodes: defaultMaxNodes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Analyzer) session(id string) *sessionGraph {
	a.mu.RLock()
	g, ok := a.sessions[id]
	a.mu.RUnlock()
	if ok {
		return g
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if g, ok := a.sessions[id]; ok {
		return g
	}
	g = &sessionGraph{}
	a.sessions[id] = g
	return g
}

// dependencyWindow is how many recent calls a new call is checked
// against for data-flow edges. A dependency survives benign calls
// interleaved between the producer and the consumer.
const dependencyWindow = 5

// Observe appends a tool call to the session graph, linking it to every
// recent call whose result it depends on.
func (a *Analyzer) Observe(sessionID, tool, argsText, resultText string) {
	g := a.session(sessionID)

	g.mu.Lock()
	defer g.mu.Unlock()

	n := &node{
		id:       fmt.Sprintf("%s-%d", sessionID, g.seq),
		tool:     tool,
		callType: inferCallType(tool),
		argsText: argsText,
		result:   resultText,
		at:       time.Now(),
	}
	g.seq++

	start := len(g.nodes) - dependencyWindow
	if start < 0 {
		start = 0
	}
	for i := len(g.nodes) - 1; i >= start; i-- {
		prev := g.nodes[i]
		if hasDataDependency(prev.result, argsText) {
			prev.succ = append(prev.succ, n)
		}
	}

	g.nodes = append(g.nodes, n)
	if len(g.nodes) > a.maxNodes {
		g.nodes = g.nodes[1:]
	}
}

// Drop discards the graph for a closed session.
func (a *Analyzer) Drop(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

// Analyze scores the session's behavior. modelRisk is an externally
// supplied score for novel patterns, zero when no model ran.
func (a *Analyzer) Analyze(sessionID string, modelRisk float64) Risk {
	a.mu.RLock()
	g, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok {
		return Risk{Evidence: []string{"no session data available"}}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.nodes) == 0 {
		return Risk{Evidence: []string{"no session data available"}}
	}

	features := extractFeatures(g.nodes)
	patterns := matchPatterns(g.nodes)
	stages := identifyStages(g.nodes)
	chains := extractChains(g.nodes)

	return aggregate(features, patterns, modelRisk, stages, chains)
}

func inferCallType(tool string) CallType {
	lower := strings.ToLower(tool)
	switch {
	case containsAny(lower, "read", "get", "list", "query"):
		return CallRead
	case containsAny(lower, "write", "create", "delete", "update"):
		return CallWrite
	case containsAny(lower, "exec", "run", "eval"):
		return CallExecute
	case containsAny(lower, "http", "network", "api", "send"):
		return CallNetwork
	case containsAny(lower, "system", "process", "service"):
		return CallSystem
	default:
		return CallQuery
	}
}

func hasDataDependency(prevResult, argsText string) bool {
	if len(prevResult) <= dependencyMinLen {
		return false
	}
	prefix := prevResult
	if len(prefix) > dependencyPrefixLen {
		prefix = prefix[:dependencyPrefixLen]
	}
	return strings.Contains(argsText, prefix)
}

func extractFeatures(nodes []*node) Features {
	f := Features{
		Nodes:     len(nodes),
		CallTypes: make(map[CallType]int),
	}
	for _, n := range nodes {
		f.Edges += len(n.succ)
		f.CallTypes[n.callType]++
	}
	if f.Nodes > 1 {
		f.Density = float64(f.Edges) / float64(f.Nodes*(f.Nodes-1))
	}
	if f.Nodes > 0 {
		f.AvgDegree = float64(2*f.Edges) / float64(f.Nodes)
	}
	return f
}

// matchPatterns walks data-flow edges looking for known tool
// sequences. Each (category, sequence) pair is reported at most once.
func matchPatterns(nodes []*node) []string {
	var matched []string
	for _, category := range patternOrder {
		for _, pattern := range attackPatterns[category] {
			if patternInGraph(nodes, pattern) {
				matched = append(matched, category)
				break
			}
		}
	}
	return matched
}

func patternInGraph(nodes []*node, pattern []string) bool {
	for _, n := range nodes {
		if patternFrom(n, pattern) {
			return true
		}
	}
	return false
}

func patternFrom(n *node, pattern []string) bool {
	if !strings.Contains(strings.ToLower(n.tool), pattern[0]) {
		return false
	}
	if len(pattern) == 1 {
		return true
	}
	for _, s := range n.succ {
		if patternFrom(s, pattern[1:]) {
			return true
		}
	}
	return false
}

func identifyStages(nodes []*node) []Stage {
	seen := make(map[Stage]bool)
	var stages []Stage
	add := func(s Stage) {
		if !seen[s] {
			seen[s] = true
			stages = append(stages, s)
		}
	}

	for _, n := range nodes {
		tool := strings.ToLower(n.tool)
		if n.callType == CallRead && containsAny(tool, "list", "query", "discover") {
			add(StageReconnaissance)
		}
		if n.callType == CallWrite || n.callType == CallExecute {
			add(StageExploitation)
		}
		if n.callType == CallNetwork && containsAny(tool, "send", "http", "api") {
			add(StageExfiltration)
		}
		if containsAny(tool, "create", "schedule", "startup", "service") {
			add(StagePersistence)
		}
	}
	return stages
}

// extractChains collects data-flow paths of at least minChainLen calls,
// up to chainCutoff deep.
func extractChains(nodes []*node) [][]string {
	var chains [][]string
	var walk func(n *node, path []string)
	walk = func(n *node, path []string) {
		path = append(path, n.tool)
		if len(path) >= minChainLen && len(chains) < maxChainsTracked {
			chains = append(chains, append([]string{}, path...))
		}
		if len(path) > chainCutoff {
			return
		}
		for _, s := range n.succ {
			walk(s, path)
		}
	}
	for _, n := range nodes {
		if len(chains) >= maxChainsTracked {
			break
		}
		walk(n, nil)
	}
	return chains
}

func aggregate(features Features, patterns []string, modelRisk float64, stages []Stage, chains [][]string) Risk {
	patternRisk := minf(float64(len(patterns))*0.3, 0.9)
	stageRisk := float64(len(stages)) * 0.15
	chainRisk := minf(float64(len(chains))*0.1, 0.5)

	score := patternRisk
	for _, v := range []float64{modelRisk, stageRisk, chainRisk} {
		if v > score {
			score = v
		}
	}
	score = minf(score, 1.0)

	var evidence []string
	if len(patterns) > 0 {
		evidence = append(evidence, fmt.Sprintf("%d attack patterns matched", len(patterns)))
	}
	if len(stages) > 0 {
		evidence = append(evidence, fmt.Sprintf("attack stages detected: %v", stages))
	}
	if modelRisk > 0.7 {
		evidence = append(evidence, fmt.Sprintf("model flagged novel pattern (score: %.2f)", modelRisk))
	}
	if len(chains) > 3 {
		evidence = append(evidence, fmt.Sprintf("%d suspicious call chains found", len(chains)))
	}

	reported := chains
	if len(reported) > maxChainsReported {
		reported = reported[:maxChainsReported]
	}

	return Risk{
		Score:      score,
		Confidence: minf(float64(len(evidence))*0.25, 1.0),
		Stages:     stages,
		Patterns:   patterns,
		Chains:     reported,
		Evidence:   evidence,
		Features:   features,
	}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
