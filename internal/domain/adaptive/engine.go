package adaptive

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultBlockThreshold is the adjusted-risk value at which a call is
// no longer allowed.
const DefaultBlockThreshold = 0.70

// initialTrust maps a role to the trust a fresh profile starts with.
var initialTrust = map[Role]TrustLevel{
	RoleUnknown:        TrustUntrusted,
	RoleUser:           TrustLow,
	RoleDeveloper:      TrustMedium,
	RoleAdmin:          TrustHigh,
	RoleService:        TrustMedium,
	RoleTrustedService: TrustVerified,
}

// trustDeltas maps trust to its risk adjustment.
var trustDeltas = map[TrustLevel]float64{
	TrustUntrusted: 0.10,
	TrustLow:       0.0,
	TrustMedium:    -0.10,
	TrustHigh:      -0.15,
	TrustVerified:  -0.20,
}

// Engine applies context adjustments to base risk scores. Safe for
// concurrent use.
type Engine struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	sessions map[string]*Session

	totalDecisions          int
	adaptationsApplied      int
	falsePositivesPrevented int

	threshold float64
	now       func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithBlockThreshold overrides the adjusted-risk block threshold.
func WithBlockThreshold(v float64) Option {
	return func(e *Engine) {
		if v > 0 {
			e.threshold = v
		}
	}
}

// NewEngine builds an engine with no known users.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		profiles:  make(map[string]*Profile),
		sessions:  make(map[string]*Session),
		threshold: DefaultBlockThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterUser creates or updates a profile. New profiles start at the
// trust level their role implies.
func (e *Engine) RegisterUser(userID string, role Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registerLocked(userID, role)
}

func (e *Engine) registerLocked(userID string, role Role) *Profile {
	if p, ok := e.profiles[userID]; ok {
		p.Role = role
		return p
	}
	trust, ok := initialTrust[role]
	if !ok {
		trust = TrustLow
	}
	p := &Profile{
		UserID:    userID,
		Role:      role,
		Trust:     trust,
		FirstSeen: e.now(),
		LastSeen:  e.now(),
	}
	e.profiles[userID] = p
	return p
}

// SetTrust overrides a profile's trust level.
func (e *Engine) SetTrust(userID string, trust TrustLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.profiles[userID]; ok {
		p.Trust = trust
	}
}

// StartSession records a session's declared task context.
func (e *Engine) StartSession(sessionID, userID string, task Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sessionID] = &Session{
		SessionID: sessionID,
		UserID:    userID,
		Task:      task,
		StartedAt: e.now(),
	}
}

// EndSession discards session context.
func (e *Engine) EndSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// Adapt adjusts a base risk score for one tool call and decides
// allow/block at the 0.70 threshold. Unknown users are registered as
// standard users, unknown sessions get an unknown task context.
func (e *Engine) Adapt(userID, sessionID string, baseRisk float64, tool string) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.totalDecisions++

	profile, ok := e.profiles[userID]
	if !ok {
		profile = e.registerLocked(userID, RoleUser)
	}

	session, ok := e.sessions[sessionID]
	if !ok {
		session = &Session{
			SessionID: sessionID,
			UserID:    userID,
			Task:      TaskUnknown,
			StartedAt: e.now(),
		}
		e.sessions[sessionID] = session
	}

	var adjustments []string
	total := 0.0
	apply := func(delta float64, tag string) {
		if delta == 0 {
			return
		}
		total += delta
		adjustments = append(adjustments, fmt.Sprintf("%s:%+.2f", tag, delta))
	}

	apply(roleDelta(profile.Role, tool), "role:"+string(profile.Role))
	apply(trustDeltas[profile.Trust], "trust:"+profile.Trust.String())
	apply(taskDelta(session.Task, tool), "task:"+string(session.Task))
	apply(behaviorDelta(profile, tool), "behavior")
	apply(temporalDelta(profile, e.now()), "temporal")

	adjusted := clamp(baseRisk + total)
	allow := adjusted < e.threshold

	var reason string
	if len(adjustments) > 0 {
		e.adaptationsApplied++
		parts := append([]string{fmt.Sprintf("base risk: %.2f", baseRisk)}, adjustments...)
		parts = append(parts, fmt.Sprintf("adjusted: %.2f", adjusted))
		reason = strings.Join(parts, " | ")
	} else {
		reason = fmt.Sprintf("no adjustments (base: %.2f)", baseRisk)
	}

	if allow && baseRisk >= e.threshold {
		e.falsePositivesPrevented++
	}
	if !allow {
		profile.BlockedCalls++
	}

	profile.TotalCalls++
	profile.LastSeen = e.now()
	session.CallCount++
	if !contains(session.ToolsUsed, tool) {
		session.ToolsUsed = append(session.ToolsUsed, tool)
	}

	return Decision{
		OriginalRisk:     baseRisk,
		AdjustedRisk:     adjusted,
		AdjustmentFactor: total,
		Adjustments:      adjustments,
		Allow:            allow,
		Reason:           reason,
	}
}

// ReportFalsePositive records a user-reported wrong block. Repeated
// reports raise trust, capped at TrustHigh so feedback alone never
// reaches verified status.
func (e *Engine) ReportFalsePositive(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.profiles[userID]
	if !ok {
		return
	}
	p.FalsePositiveReports++
	if p.FalsePositiveReports > 3 && p.Trust < TrustHigh {
		p.Trust++
	}
}

// Stats reports engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Stats{
		TotalDecisions:          e.totalDecisions,
		AdaptationsApplied:      e.adaptationsApplied,
		FalsePositivesPrevented: e.falsePositivesPrevented,
		TotalUsers:              len(e.profiles),
		ActiveSessions:          len(e.sessions),
	}
	if e.totalDecisions > 0 {
		s.AdaptationRate = float64(e.adaptationsApplied) / float64(e.totalDecisions)
	}
	return s
}

func roleDelta(role Role, tool string) float64 {
	lower := strings.ToLower(tool)
	switch role {
	case RoleDeveloper, RoleAdmin:
		if containsAny(lower, "file", "read", "write", "list") {
			return -0.15
		}
	case RoleService, RoleTrustedService:
		return -0.10
	case RoleUnknown:
		return 0.05
	}
	return 0.0
}

func taskDelta(task Task, tool string) float64 {
	lower := strings.ToLower(tool)
	switch task {
	case TaskCodeReview:
		if containsAny(lower, "read", "list") {
			return -0.15
		}
	case TaskTesting, TaskDebugging:
		return -0.10
	case TaskDeployment:
		if containsAny(lower, "exec", "run", "deploy") {
			return -0.10
		}
	}
	return 0.0
}

func behaviorDelta(p *Profile, tool string) float64 {
	if contains(p.TypicalTools, tool) {
		return -0.05
	}
	if p.TotalCalls > 100 && p.BlockedCalls > 0 {
		fpRate := float64(p.FalsePositiveReports) / float64(p.BlockedCalls)
		if fpRate > 0.3 {
			return -0.10
		}
	}
	return 0.0
}

func temporalDelta(p *Profile, now time.Time) float64 {
	hour := now.Hour()
	if hour >= 9 && hour <= 18 {
		return -0.05
	}
	if hour >= 23 || hour <= 5 {
		return 0.05
	}
	for _, h := range p.TypicalHours {
		if h == hour {
			return -0.03
		}
	}
	return 0.0
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
