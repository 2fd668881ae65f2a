// Package taint tracks sensitive data across tool calls: values are
// fingerprinted when produced, taint propagates through declared tool
// outputs, and flows into dangerous sinks are denied by policy.
package taint

import (
	"time"
)

// Level is the sensitivity classification of a tracked value.
type Level int

const (
	LevelClean Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the canonical name of the level.
func (l Level) String() string {
	switch l {
	case LevelClean:
		return "CLEAN"
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Source records where a tainted value came from.
type Source struct {
	// Kind names the producer class (tool_result, file, argument).
	Kind string

	// Locator identifies the concrete origin (path, URL, tool name).
	Locator string

	Level    Level
	MarkedAt time.Time
}

// SinkKind classifies the destination of a data flow.
type SinkKind string

const (
	SinkFilesystem SinkKind = "FILESYSTEM"
	SinkNetwork    SinkKind = "NETWORK"
	SinkProcess    SinkKind = "PROCESS"
	SinkStdout     SinkKind = "STDOUT"
	SinkLog        SinkKind = "LOG"
)

// Violation explains a denied flow.
type Violation struct {
	Reason      string
	Level       Level
	Fingerprint string
	Sink        SinkKind
	Destination string

	// SourceLocators name the origins of the taint, so audit records
	// can point at the call that introduced it.
	SourceLocators []string
}

// FlowDecision is the outcome of a CheckFlow call.
type FlowDecision struct {
	Allowed bool
	Level   Level

	// Sources lists the taint origins of the checked value. Empty for
	// clean data.
	Sources []Source

	Violation *Violation
}

// Summary aggregates recorded flow violations for status endpoints.
type Summary struct {
	Total   int
	ByLevel map[string]int
	BySink  map[string]int
	Recent  []Violation
}
