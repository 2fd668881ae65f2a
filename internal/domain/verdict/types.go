// Package verdict combines per-technique detection results with the
// isolation pre-gate and flow-tracker outcomes into one allow, warn or
// block decision.
package verdict

import (
	"github.com/safe-mcp/gateway/internal/domain/technique"
)

// Channel names a detection channel.
type Channel string

const (
	ChannelPattern    Channel = "pattern"
	ChannelRule       Channel = "rule"
	ChannelML         Channel = "ml"
	ChannelBehavioral Channel = "behavioral"
)

// Action is the gateway's decision for one message.
type Action string

const (
	ActionAllow Action = "allow"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// PerTechnique is one technique's compressed multi-channel result.
type PerTechnique struct {
	TechniqueID string
	Matched     bool

	// Confidence is the maximum over matched channels.
	Confidence float64

	// Method is the channel that produced the maximum.
	Method Channel

	Severity technique.Severity

	// Channels holds per-channel confidences of the channels that
	// matched, consumed by the weighted combiner.
	Channels map[Channel]float64

	Evidence    []string
	Mitigations []string
}

// Aggregate is the final decision record. Deterministic for identical
// inputs, suitable for audit records and error payloads.
type Aggregate struct {
	Action   Action             `json:"action"`
	Severity technique.Severity `json:"severity,omitempty"`
	Score    float64            `json:"score"`

	MatchedTechniques []string `json:"matched_techniques,omitempty"`
	Evidence          []string `json:"evidence,omitempty"`
	Mitigations       []string `json:"mitigations,omitempty"`

	// Adjustments carries the adaptive deltas applied at the final
	// step, tagged strings like "role:developer:-0.15".
	Adjustments []string `json:"adjustments,omitempty"`

	Reason string `json:"reason"`
}
