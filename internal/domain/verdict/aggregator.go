package verdict

import (
	"fmt"

	"github.com/safe-mcp/gateway/internal/domain/adaptive"
	"github.com/safe-mcp/gateway/internal/domain/isolation"
	"github.com/safe-mcp/gateway/internal/domain/taint"
	"github.com/safe-mcp/gateway/internal/domain/technique"
)

// CombinerKind selects how matched techniques are combined.
type CombinerKind string

const (
	CombinerMax      CombinerKind = "max"
	CombinerWeighted CombinerKind = "weighted"
)

// Config tunes the aggregator. A zero Config is not valid; use
// DefaultConfig as the base.
type Config struct {
	Combiner CombinerKind

	// Weights apply per channel under the weighted combiner.
	Weights map[Channel]float64

	BlockThreshold float64
	WarnThreshold  float64
}

// DefaultConfig matches the shipped detection profile: max combiner,
// with weighted thresholds ready if the combiner is switched.
func DefaultConfig() Config {
	return Config{
		Combiner: CombinerMax,
		Weights: map[Channel]float64{
			ChannelPattern:    0.6,
			ChannelRule:       0.25,
			ChannelML:         0.10,
			ChannelBehavioral: 0.05,
		},
		BlockThreshold: 0.5,
		WarnThreshold:  0.3,
	}
}

// Aggregator builds the final decision. Stateless and safe for
// concurrent use.
type Aggregator struct {
	cfg Config
}

func NewAggregator(cfg Config) *Aggregator {
	if cfg.Combiner == "" {
		cfg.Combiner = CombinerMax
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultConfig().Weights
	}
	if cfg.BlockThreshold == 0 {
		cfg.BlockThreshold = 0.5
	}
	if cfg.WarnThreshold == 0 {
		cfg.WarnThreshold = 0.3
	}
	return &Aggregator{cfg: cfg}
}

// Aggregate folds the detection results into one decision. iso, flow
// and adj are optional; nil means the corresponding check did not run.
// The adaptive adjustment is applied last and never downgrades a WARN.
func (a *Aggregator) Aggregate(verdicts []PerTechnique, iso *isolation.Decision, flow *taint.FlowDecision, adj *adaptive.Decision) Aggregate {
	if iso != nil && !iso.Accepted {
		agg := Aggregate{
			Action:   ActionBlock,
			Severity: iso.Severity(),
			Score:    1.0,
			Reason:   "isolation policy violation",
		}
		for _, v := range iso.Violations {
			agg.Evidence = append(agg.Evidence, fmt.Sprintf("%s: %s", v.Kind, v.Detail))
		}
		return agg
	}

	if flow != nil && !flow.Allowed {
		agg := Aggregate{
			Action:   ActionBlock,
			Severity: flowSeverity(flow.Level),
			Score:    1.0,
			Reason:   "information flow violation",
		}
		if flow.Violation != nil {
			agg.Evidence = append(agg.Evidence, flow.Violation.Reason)
		}
		return agg
	}

	agg := a.combine(verdicts)

	if adj != nil {
		agg.Adjustments = adj.Adjustments
		switch {
		case agg.Action == ActionBlock && adj.Allow:
			agg.Action = ActionAllow
			agg.Reason += "; allowed after adaptive adjustment"
		case agg.Action == ActionAllow && !adj.Allow:
			agg.Action = ActionBlock
			agg.Reason += "; blocked after adaptive adjustment"
		}
	}
	return agg
}

func (a *Aggregator) combine(verdicts []PerTechnique) Aggregate {
	agg := Aggregate{Action: ActionAllow}

	var (
		matched  []PerTechnique
		worst    technique.Severity
		worstSet bool
		score    float64
		maxScore float64
	)
	mitSeen := make(map[string]bool)

	for _, v := range verdicts {
		if !v.Matched {
			continue
		}
		matched = append(matched, v)
		agg.MatchedTechniques = append(agg.MatchedTechniques, v.TechniqueID)
		agg.Evidence = append(agg.Evidence, v.Evidence...)
		for _, m := range v.Mitigations {
			if !mitSeen[m] {
				mitSeen[m] = true
				agg.Mitigations = append(agg.Mitigations, m)
			}
		}
		if !worstSet || v.Severity.Rank() > worst.Rank() {
			worst = v.Severity
			worstSet = true
		}
		if v.Confidence > maxScore {
			maxScore = v.Confidence
		}
		for ch, conf := range v.Channels {
			score += a.cfg.Weights[ch] * conf
		}
	}

	if len(matched) == 0 {
		agg.Reason = "no techniques matched"
		return agg
	}

	agg.Severity = worst
	agg.Reason = fmt.Sprintf("%d technique(s) matched", len(matched))

	switch a.cfg.Combiner {
	case CombinerWeighted:
		agg.Score = score
		switch {
		case score >= a.cfg.BlockThreshold:
			agg.Action = ActionBlock
		case score >= a.cfg.WarnThreshold:
			agg.Action = ActionWarn
		}
	default:
		agg.Score = maxScore
		switch worst {
		case technique.SeverityHigh, technique.SeverityCritical:
			agg.Action = ActionBlock
		case technique.SeverityMedium:
			agg.Action = ActionWarn
		}
	}
	return agg
}

// flowSeverity maps a taint level to the reported severity.
func flowSeverity(level taint.Level) technique.Severity {
	switch level {
	case taint.LevelCritical, taint.LevelHigh:
		return technique.SeverityCritical
	case taint.LevelMedium:
		return technique.SeverityHigh
	default:
		return technique.SeverityMedium
	}
}
