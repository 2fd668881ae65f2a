package taint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// fingerprintLen is the number of hex characters kept from the
	// SHA-256 digest. 64 bits of collision resistance is plenty for an
	// in-process registry.
	fingerprintLen = 16

	defaultMaxEntries = 10000
	maxViolationsKept = 1000
	recentViolations  = 10

	// dependencyPrefixLen is how many leading characters of a prior
	// result must reappear in a later value for the two to be treated
	// as data-dependent.
	dependencyPrefixLen = 20
)

// sensitivePatterns maps locator substrings to the taint level they
// imply. Checked case-insensitively, first match wins, so the critical
// entries come first.
var sensitivePatterns = []struct {
	substr string
	level  Level
}{
	{"password", LevelCritical},
	{"token", LevelCritical},
	{"secret", LevelCritical},
	{"api_key", LevelCritical},
	{"private_key", LevelCritical},
	{".ssh/", LevelCritical},
	{"credentials", LevelCritical},

	{".env", LevelHigh},
	{"config", LevelHigh},
	{"settings", LevelHigh},
	{".aws", LevelHigh},
	{".gcp", LevelHigh},

	{"user", LevelMedium},
	{"profile", LevelMedium},
	{"session", LevelMedium},

	{"internal", LevelLow},
	{"private", LevelLow},
}

// sensitiveSystemDirs force HIGH when a locator touches them.
var sensitiveSystemDirs = []string{"/etc/", "/sys/", "/proc/", "/root/"}

// sinkSystemDirs are filesystem destinations tainted data may never
// reach.
var sinkSystemDirs = []string{"/etc/", "/sys/", "/proc/", "/bin/", "/usr/"}

// defaultInternalNetworks cover loopback and the RFC 1918 ranges.
var defaultInternalNetworks = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

type entry struct {
	fingerprint string
	// prefix is the leading slice of the tracked value, kept so taint is
	// still found when the value is embedded inside a larger argument.
	// Empty for values too short to match reliably.
	prefix      string
	sources     []Source
	level       Level
	propagation []string
	createdAt   time.Time
}

// Tracker is the information flow tracker. One instance serves the
// whole gateway; all methods are safe for concurrent use.
type Tracker struct {
	mu            sync.Mutex
	entries       map[string]*entry
	order         []string
	maxEntries    int
	workspaceRoot string
	internal      []netip.Prefix

	violations   []Violation
	sessionFlows map[string][]string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxEntries bounds the registry. Oldest entries are evicted first.
func WithMaxEntries(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxEntries = n
		}
	}
}

// WithWorkspaceRoot sets the directory tainted data may still be
// written to.
func WithWorkspaceRoot(root string) Option {
	return func(t *Tracker) {
		if root != "" {
			t.workspaceRoot = strings.TrimRight(root, "/")
		}
	}
}

// WithInternalNetworks adds CIDR ranges treated as internal
// destinations on top of loopback and RFC 1918.
func WithInternalNetworks(prefixes []netip.Prefix) Option {
	return func(t *Tracker) {
		t.internal = append(t.internal, prefixes...)
	}
}

// NewTracker builds a tracker with an empty registry.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		entries:       make(map[string]*entry),
		maxEntries:    defaultMaxEntries,
		workspaceRoot: "/workspace",
		internal:      append([]netip.Prefix{}, defaultInternalNetworks...),
		sessionFlows:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Fingerprint derives the registry key for a value.
func Fingerprint(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// DependsOn reports whether text carries data from a prior result,
// using a leading-prefix containment heuristic. Short results are
// ignored to avoid false positives on common fragments.
func DependsOn(result, text string) bool {
	return dataPrefix(result) != "" && strings.Contains(text, dataPrefix(result))
}

// dataPrefix returns the leading characters used for containment
// matching, "" for values too short to match reliably.
func dataPrefix(data string) string {
	if len(data) < dependencyPrefixLen {
		return ""
	}
	return data[:dependencyPrefixLen]
}

// Classify derives the taint level of a data source from its locator.
func Classify(locator string) Level {
	lower := strings.ToLower(locator)
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p.substr) {
			return p.level
		}
	}
	for _, dir := range sensitiveSystemDirs {
		if strings.Contains(lower, dir) {
			return LevelHigh
		}
	}
	return LevelClean
}

// Mark registers data as tainted, classifying the source by its
// locator. Returns the fingerprint, or "" when the source classifies
// as clean and the value was not already tainted.
func (t *Tracker) Mark(data, sourceKind, locator, sessionID string) string {
	return t.MarkLevel(data, sourceKind, locator, Classify(locator), sessionID)
}

// MarkLevel registers data as tainted at an explicit level. Marking an
// already-tracked value unions the sources and keeps the highest level.
func (t *Tracker) MarkLevel(data, sourceKind, locator string, level Level, sessionID string) string {
	fp := Fingerprint(data)

	t.mu.Lock()
	defer t.mu.Unlock()

	src := Source{
		Kind:     sourceKind,
		Locator:  locator,
		Level:    level,
		MarkedAt: time.Now(),
	}

	if e, ok := t.entries[fp]; ok {
		e.sources = append(e.sources, src)
		if level > e.level {
			e.level = level
		}
	} else if level > LevelClean {
		t.insert(&entry{
			fingerprint: fp,
			prefix:      dataPrefix(data),
			sources:     []Source{src},
			level:       level,
			createdAt:   time.Now(),
		})
	} else {
		return ""
	}

	t.recordFlow(sessionID, "SOURCE:"+locator)
	return fp
}

// Propagate carries taint from a tool's input to its output. Returns
// the output fingerprint and true when the input was tainted; clean
// inputs produce clean outputs.
func (t *Tracker) Propagate(input, output, toolName, sessionID string) (string, bool) {
	inputFP := Fingerprint(input)

	t.mu.Lock()
	defer t.mu.Unlock()

	in, ok := t.entries[inputFP]
	if !ok {
		// The input may embed a tainted value inside a larger body.
		if in = t.findContaining(input); in == nil {
			return "", false
		}
	}

	outputFP := Fingerprint(output)
	t.insert(&entry{
		fingerprint: outputFP,
		prefix:      dataPrefix(output),
		sources:     append([]Source{}, in.sources...),
		level:       in.level,
		propagation: append(append([]string{}, in.propagation...), toolName),
		createdAt:   time.Now(),
	})

	t.recordFlow(sessionID, "PROPAGATE:"+toolName)
	return outputFP, true
}

// LevelOf returns the taint level of a value, LevelClean when
// untracked.
func (t *Tracker) LevelOf(data string) Level {
	fp := Fingerprint(data)
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[fp]; ok {
		return e.level
	}
	return LevelClean
}

// PropagationPath returns the tool chain a tainted value travelled
// through.
func (t *Tracker) PropagationPath(data string) []string {
	fp := Fingerprint(data)
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[fp]; ok {
		return append([]string{}, e.propagation...)
	}
	return nil
}

// CheckFlow decides whether data may flow into a sink. This is the
// enforcement point: a denied decision must abort the call.
func (t *Tracker) CheckFlow(data string, sink SinkKind, destination, sessionID string) FlowDecision {
	fp := Fingerprint(data)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[fp]
	if !ok {
		// An exfiltration body rarely carries the tainted value verbatim;
		// fall back to containment against tracked prefixes.
		if e = t.findContaining(data); e == nil {
			return FlowDecision{Allowed: true, Level: LevelClean}
		}
	}

	sources := append([]Source{}, e.sources...)
	if v := t.checkPolicy(e, sink, destination); v != nil {
		v.Fingerprint = fp
		v.Sink = sink
		v.Destination = destination
		t.violations = append(t.violations, *v)
		if len(t.violations) > maxViolationsKept {
			t.violations = t.violations[len(t.violations)-maxViolationsKept:]
		}
		t.recordFlow(sessionID, fmt.Sprintf("VIOLATION:%s:%s", sink, destination))
		return FlowDecision{
			Allowed:   false,
			Level:     e.level,
			Sources:   sources,
			Violation: v,
		}
	}

	t.recordFlow(sessionID, fmt.Sprintf("SINK:%s:%s", sink, destination))
	return FlowDecision{Allowed: true, Level: e.level, Sources: sources}
}

// checkPolicy applies the flow rules. Caller holds t.mu.
func (t *Tracker) checkPolicy(e *entry, sink SinkKind, destination string) *Violation {
	locators := make([]string, 0, len(e.sources))
	for _, s := range e.sources {
		locators = append(locators, s.Locator)
	}

	switch sink {
	case SinkNetwork:
		if e.level == LevelCritical {
			return &Violation{
				Reason:         fmt.Sprintf("CRITICAL tainted data (%s) cannot flow to any network endpoint", locators[0]),
				Level:          e.level,
				SourceLocators: locators,
			}
		}
		if e.level == LevelHigh && !t.isInternal(destination) {
			return &Violation{
				Reason:         fmt.Sprintf("HIGH tainted data (%s) cannot flow to external endpoint %s", locators[0], destination),
				Level:          e.level,
				SourceLocators: locators,
			}
		}

	case SinkProcess:
		if e.level == LevelHigh || e.level == LevelMedium {
			return &Violation{
				Reason:         fmt.Sprintf("%s tainted data cannot be used in process execution", e.level),
				Level:          e.level,
				SourceLocators: locators,
			}
		}

	case SinkFilesystem:
		if strings.Contains(destination, t.workspaceRoot+"/") || strings.HasPrefix(destination, "./") {
			return nil
		}
		for _, dir := range sinkSystemDirs {
			if strings.Contains(destination, dir) {
				return &Violation{
					Reason:         "tainted data cannot be written to a system directory",
					Level:          e.level,
					SourceLocators: locators,
				}
			}
		}
	}
	return nil
}

// isInternal reports whether a network destination is loopback or on a
// private range.
func (t *Tracker) isInternal(destination string) bool {
	host := destination
	if strings.Contains(destination, "://") {
		if u, err := url.Parse(destination); err == nil && u.Host != "" {
			host = u.Host
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	if host == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, p := range t.internal {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// SessionFlow returns the recorded flow chain for a session.
func (t *Tracker) SessionFlow(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string{}, t.sessionFlows[sessionID]...)
}

// ViolationsSummary aggregates recorded violations.
func (t *Tracker) ViolationsSummary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		Total:   len(t.violations),
		ByLevel: make(map[string]int),
		BySink:  make(map[string]int),
	}
	for _, v := range t.violations {
		s.ByLevel[v.Level.String()]++
		s.BySink[string(v.Sink)]++
	}
	start := len(t.violations) - recentViolations
	if start < 0 {
		start = 0
	}
	s.Recent = append(s.Recent, t.violations[start:]...)
	return s
}

// findContaining returns the newest tracked entry whose value prefix
// appears inside text. Caller holds t.mu.
func (t *Tracker) findContaining(text string) *entry {
	for i := len(t.order) - 1; i >= 0; i-- {
		e := t.entries[t.order[i]]
		if e == nil || e.prefix == "" {
			continue
		}
		if strings.Contains(text, e.prefix) {
			return e
		}
	}
	return nil
}

// insert adds an entry, evicting the oldest when the bound is hit.
// Caller holds t.mu.
func (t *Tracker) insert(e *entry) {
	if _, ok := t.entries[e.fingerprint]; !ok {
		t.order = append(t.order, e.fingerprint)
	}
	t.entries[e.fingerprint] = e
	for len(t.order) > t.maxEntries {
		evicted := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, evicted)
	}
}

func (t *Tracker) recordFlow(sessionID, step string) {
	if sessionID == "" {
		return
	}
	t.sessionFlows[sessionID] = append(t.sessionFlows[sessionID], step)
}
