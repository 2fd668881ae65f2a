// Package technique contains the attack-technique catalogue: declarative
// descriptors for every technique the gateway can detect, loaded from disk
// and queried by the detection pipeline.
package technique

import (
	"regexp"
)

// Severity represents the severity class of a technique or verdict.
type Severity string

const (
	// SeverityLow indicates informational findings.
	SeverityLow Severity = "LOW"

	// SeverityMedium indicates findings worth warning about.
	SeverityMedium Severity = "MEDIUM"

	// SeverityHigh indicates findings that block by default.
	SeverityHigh Severity = "HIGH"

	// SeverityCritical indicates findings that always block.
	SeverityCritical Severity = "CRITICAL"
)

// IsValid returns true if the severity is a known valid level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank returns an ordering value for severity comparison. Higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Tactic is the intent category of a technique, drawn from a closed set.
type Tactic string

const (
	TacticInitialAccess       Tactic = "initial_access"
	TacticExecution           Tactic = "execution"
	TacticPersistence         Tactic = "persistence"
	TacticPrivilegeEscalation Tactic = "privilege_escalation"
	TacticDefenseEvasion      Tactic = "defense_evasion"
	TacticCredentialAccess    Tactic = "credential_access"
	TacticDiscovery           Tactic = "discovery"
	TacticLateralMovement     Tactic = "lateral_movement"
	TacticCollection          Tactic = "collection"
	TacticCommandAndControl   Tactic = "command_and_control"
	TacticExfiltration        Tactic = "exfiltration"
	TacticImpact              Tactic = "impact"
)

// IsValid returns true if the tactic is in the known set.
func (t Tactic) IsValid() bool {
	switch t {
	case TacticInitialAccess, TacticExecution, TacticPersistence,
		TacticPrivilegeEscalation, TacticDefenseEvasion, TacticCredentialAccess,
		TacticDiscovery, TacticLateralMovement, TacticCollection,
		TacticCommandAndControl, TacticExfiltration, TacticImpact:
		return true
	default:
		return false
	}
}

// MatcherKind distinguishes pattern matcher types.
type MatcherKind string

const (
	// MatcherRegex matches with a compiled regular expression.
	MatcherRegex MatcherKind = "regex"

	// MatcherSubstring matches with a literal substring.
	MatcherSubstring MatcherKind = "substring"
)

// PatternSpec is one declarative pattern matcher from a descriptor.
type PatternSpec struct {
	Kind          MatcherKind `yaml:"type" json:"type" validate:"required,oneof=regex substring"`
	Pattern       string      `yaml:"pattern" json:"pattern" validate:"required"`
	CaseSensitive bool        `yaml:"case_sensitive" json:"case_sensitive"`
	Weight        float64     `yaml:"weight" json:"weight" validate:"gte=0,lte=1"`
}

// CompiledMatcher is a PatternSpec prepared for matching. Regexes are
// compiled once at catalogue load; substrings store a case-folded copy.
type CompiledMatcher struct {
	Spec PatternSpec

	// Regex is non-nil for MatcherRegex specs.
	Regex *regexp.Regexp

	// FoldedLiteral is the lowercased literal for case-insensitive
	// substring matching. Empty for case-sensitive specs.
	FoldedLiteral string
}

// MLModelRef references a classifier model by name.
type MLModelRef struct {
	Name      string  `yaml:"name" json:"name" validate:"required"`
	Threshold float64 `yaml:"threshold" json:"threshold" validate:"gte=0,lte=1"`
	Weight    float64 `yaml:"weight" json:"weight" validate:"gte=0,lte=1"`
}

// BehavioralCheck names one feature check against the session call graph.
type BehavioralCheck struct {
	Feature   string  `yaml:"feature" json:"feature" validate:"required"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// Applicability restricts a technique to certain methods or argument keys.
// Empty lists mean "applies to all".
type Applicability struct {
	Methods []string `yaml:"methods" json:"methods"`
	ArgKeys []string `yaml:"arg_keys" json:"arg_keys"`
}

// DetectionConfig is the composite detection configuration of a technique.
type DetectionConfig struct {
	Patterns   []PatternSpec     `yaml:"patterns" json:"patterns" validate:"dive"`
	Rules      []string          `yaml:"rules" json:"rules"`
	MLModel    *MLModelRef       `yaml:"ml_model" json:"ml_model"`
	Behavioral []BehavioralCheck `yaml:"behavioral" json:"behavioral" validate:"dive"`
	Applies    *Applicability    `yaml:"applies" json:"applies"`
}

// Technique is the immutable record describing one attack technique.
// Instances are built by Load and never mutated during request handling.
type Technique struct {
	ID          string          `yaml:"id" json:"id" validate:"required"`
	Name        string          `yaml:"name" json:"name" validate:"required"`
	Tactic      Tactic          `yaml:"tactic" json:"tactic" validate:"required"`
	Severity    Severity        `yaml:"severity" json:"severity" validate:"required"`
	Enabled     bool            `yaml:"enabled" json:"enabled"`
	Description string          `yaml:"description" json:"description"`
	Detection   DetectionConfig `yaml:"detection" json:"detection"`
	Mitigations []string        `yaml:"mitigations" json:"mitigations"`

	// Matchers holds the pre-compiled pattern matchers, in descriptor
	// definition order.
	Matchers []CompiledMatcher `yaml:"-" json:"-"`

	// MLDisabled is set when the referenced model could not be resolved.
	// The technique stays loaded; only its ML channel is skipped.
	MLDisabled bool `yaml:"-" json:"-"`
}

// HasPatterns returns true if the technique has a pattern channel.
func (t *Technique) HasPatterns() bool {
	return len(t.Matchers) > 0
}

// HasRules returns true if the technique has a rule channel.
func (t *Technique) HasRules() bool {
	return len(t.Detection.Rules) > 0
}

// HasML returns true if the technique has a usable ML channel.
func (t *Technique) HasML() bool {
	return t.Detection.MLModel != nil && !t.MLDisabled
}

// HasBehavioral returns true if the technique has a behavioral channel.
func (t *Technique) HasBehavioral() bool {
	return len(t.Detection.Behavioral) > 0
}

// Mitigation describes one defensive measure linked from techniques.
type Mitigation struct {
	ID            string   `yaml:"-" json:"-"`
	Name          string   `yaml:"name" json:"name" validate:"required"`
	Description   string   `yaml:"description" json:"description"`
	Effectiveness string   `yaml:"effectiveness" json:"effectiveness"`
	AppliesTo     []string `yaml:"applies_to" json:"applies_to"`
}
