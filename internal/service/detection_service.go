package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/safe-mcp/gateway/internal/domain/adaptive"
	"github.com/safe-mcp/gateway/internal/domain/callgraph"
	"github.com/safe-mcp/gateway/internal/domain/isolation"
	"github.com/safe-mcp/gateway/internal/domain/normalize"
	"github.com/safe-mcp/gateway/internal/domain/pattern"
	"github.com/safe-mcp/gateway/internal/domain/proxy"
	"github.com/safe-mcp/gateway/internal/domain/rules"
	"github.com/safe-mcp/gateway/internal/domain/taint"
	"github.com/safe-mcp/gateway/internal/domain/technique"
	"github.com/safe-mcp/gateway/internal/domain/verdict"
	"github.com/safe-mcp/gateway/internal/port/outbound"
)

const (
	defaultDetectionWorkers = 8
	defaultDetectionBudget  = 100 * time.Millisecond
)

// channelOrder fixes the evidence concatenation order across channels.
var channelOrder = []verdict.Channel{
	verdict.ChannelPattern,
	verdict.ChannelRule,
	verdict.ChannelML,
	verdict.ChannelBehavioral,
}

// DetectionService runs the full inspection pipeline for one message:
// isolation pre-gate, taint flow check, per-technique multi-channel
// dispatch, behavioral analysis and adaptive adjustment, folded into a
// single verdict. It implements proxy.SecurityInspector.
type DetectionService struct {
	techniques *technique.Store
	rules      *rules.Registry
	normalizer *normalize.Normalizer
	gate       *isolation.Gate
	taint      *taint.Tracker
	graph      *callgraph.Analyzer
	adaptive   *adaptive.Engine
	aggregator *verdict.Aggregator
	scorer     outbound.ModelScorer // optional, nil disables the ML channel

	// sem bounds concurrent channel tasks across all techniques.
	sem    chan struct{}
	budget time.Duration
	logger *slog.Logger
}

// DetectionOption configures the detection service.
type DetectionOption func(*DetectionService)

// WithModelScorer enables the ML channel with the given backend.
func WithModelScorer(s outbound.ModelScorer) DetectionOption {
	return func(d *DetectionService) {
		d.scorer = s
	}
}

// WithDetectionWorkers bounds the channel task fan-out.
func WithDetectionWorkers(n int) DetectionOption {
	return func(d *DetectionService) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithDetectionBudget sets the wall-clock budget for one dispatch.
func WithDetectionBudget(budget time.Duration) DetectionOption {
	return func(d *DetectionService) {
		if budget > 0 {
			d.budget = budget
		}
	}
}

// WithNormalizer replaces the default obfuscation normalizer.
func WithNormalizer(n *normalize.Normalizer) DetectionOption {
	return func(d *DetectionService) {
		d.normalizer = n
	}
}

// NewDetectionService creates a DetectionService.
func NewDetectionService(
	techniques *technique.Store,
	ruleRegistry *rules.Registry,
	gate *isolation.Gate,
	tracker *taint.Tracker,
	graph *callgraph.Analyzer,
	engine *adaptive.Engine,
	aggregator *verdict.Aggregator,
	logger *slog.Logger,
	opts ...DetectionOption,
) *DetectionService {
	d := &DetectionService{
		techniques: techniques,
		rules:      ruleRegistry,
		normalizer: normalize.New(normalize.DefaultVariantCap),
		gate:       gate,
		taint:      tracker,
		graph:      graph,
		adaptive:   engine,
		aggregator: aggregator,
		sem:        make(chan struct{}, defaultDetectionWorkers),
		budget:     defaultDetectionBudget,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InspectRequest inspects a tools/call request before it is forwarded.
// The isolation gate and the flow tracker run first and short-circuit
// to a block; detection channels and the adaptive adjustment only run
// for requests that pass both.
func (d *DetectionService) InspectRequest(ctx context.Context, info proxy.RequestInfo) verdict.Aggregate {
	iso := d.gate.Check(info.ToolName, info.Arguments)
	if !iso.Accepted {
		d.logger.Warn("isolation policy rejected tool call",
			"tool", info.ToolName,
			"policy", iso.PolicyName,
			"violations", len(iso.Violations),
		)
		return d.aggregator.Aggregate(nil, &iso, nil, nil)
	}

	if sink, dest, ok := classifySink(info.ToolName, info.Arguments); ok {
		for _, data := range flowCandidates(info.Arguments) {
			flow := d.taint.CheckFlow(data, sink, dest, info.SessionID)
			if !flow.Allowed {
				d.logger.Warn("tainted data flow denied",
					"tool", info.ToolName,
					"sink", string(sink),
					"level", flow.Level.String(),
				)
				return d.aggregator.Aggregate(nil, &iso, &flow, nil)
			}
		}
	}

	verdicts := d.dispatch(ctx, info.Method, info.ToolName, info.Arguments, info.Text, info.SessionID)

	base := d.aggregator.Aggregate(verdicts, &iso, nil, nil)
	adj := d.adaptive.Adapt(info.SessionID, info.SessionID, base.Score, info.ToolName)
	return d.aggregator.Aggregate(verdicts, &iso, nil, &adj)
}

// InspectResponse re-inspects a tool result. The result is fed to the
// call graph and the taint tracker before detection so that later calls
// in the session see the updated state.
func (d *DetectionService) InspectResponse(ctx context.Context, info proxy.ResponseInfo) verdict.Aggregate {
	d.graph.Observe(info.SessionID, info.ToolName, info.RequestText, info.Text)

	args := parseArgs(info.RequestText)
	if loc, ok := stringArg(args, "path", "file", "filename", "url", "uri", "resource"); ok {
		d.taint.Mark(info.Text, "tool_result", loc, info.SessionID)
	}
	for _, v := range flowCandidates(args) {
		if _, ok := d.taint.Propagate(v, info.Text, info.ToolName, info.SessionID); ok {
			break
		}
	}

	verdicts := d.dispatch(ctx, "tools/call", info.ToolName, nil, info.Text, info.SessionID)
	return d.aggregator.Aggregate(verdicts, nil, nil, nil)
}

// channelOutcome is one channel task's result for one technique.
type channelOutcome struct {
	channel     verdict.Channel
	matched     bool
	confidence  float64
	evidence    []string
	unavailable bool
}

// techDispatch collects the in-flight channel tasks of one technique.
type techDispatch struct {
	t        *technique.Technique
	declared []verdict.Channel
	outcomes chan channelOutcome
}

// dispatch fans the applicable techniques out across their detection
// channels under the shared worker bound and wall-clock budget, then
// compresses each technique's channel results into one per-technique
// verdict. Channels that miss the budget or panic are reported as
// unavailable evidence and excluded from matching.
func (d *DetectionService) dispatch(ctx context.Context, method, tool string, args map[string]interface{}, text, sessionID string) []verdict.PerTechnique {
	candidates := d.techniques.Current().EnabledFor(method, args)
	if len(candidates) == 0 || text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	rctx := rules.Context{Method: method, ToolName: tool, Arguments: args}

	jobs := make([]*techDispatch, 0, len(candidates))
	for _, t := range candidates {
		job := &techDispatch{t: t, declared: d.channelsFor(t)}
		if len(job.declared) == 0 {
			continue
		}
		job.outcomes = make(chan channelOutcome, len(job.declared))
		for _, ch := range job.declared {
			go d.runChannel(ctx, ch, job.outcomes, d.channelTask(ch, t, text, rctx, sessionID))
		}
		jobs = append(jobs, job)
	}

	verdicts := make([]verdict.PerTechnique, 0, len(jobs))
	for _, job := range jobs {
		got := d.collect(ctx, job)
		verdicts = append(verdicts, compress(job.t, job.declared, got))
	}
	return verdicts
}

// channelsFor returns the channels the technique declares, in fixed
// order. The ML channel requires a configured scorer.
func (d *DetectionService) channelsFor(t *technique.Technique) []verdict.Channel {
	var out []verdict.Channel
	if t.HasPatterns() {
		out = append(out, verdict.ChannelPattern)
	}
	if t.HasRules() {
		out = append(out, verdict.ChannelRule)
	}
	if t.HasML() && d.scorer != nil {
		out = append(out, verdict.ChannelML)
	}
	if t.HasBehavioral() {
		out = append(out, verdict.ChannelBehavioral)
	}
	return out
}

// runChannel executes one channel task under the worker bound, turning
// panics into unavailable outcomes. The outcomes channel is buffered
// for every declared task, so sends never block.
func (d *DetectionService) runChannel(ctx context.Context, ch verdict.Channel, out chan<- channelOutcome, task func(context.Context) channelOutcome) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-d.sem }()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("detection channel panic",
				"channel", string(ch),
				"panic", fmt.Sprintf("%v", r),
			)
			out <- channelOutcome{channel: ch, unavailable: true}
		}
	}()
	out <- task(ctx)
}

// collect waits for the technique's channel outcomes until the budget
// expires, then drains whatever already finished.
func (d *DetectionService) collect(ctx context.Context, job *techDispatch) map[verdict.Channel]channelOutcome {
	got := make(map[verdict.Channel]channelOutcome, len(job.declared))
	remaining := len(job.declared)

	for remaining > 0 {
		select {
		case o := <-job.outcomes:
			got[o.channel] = o
			remaining--
		case <-ctx.Done():
			for remaining > 0 {
				select {
				case o := <-job.outcomes:
					got[o.channel] = o
					remaining--
				default:
					remaining = 0
				}
			}
		}
	}
	return got
}

// channelTask builds the task closure for one channel of one technique.
func (d *DetectionService) channelTask(ch verdict.Channel, t *technique.Technique, text string, rctx rules.Context, sessionID string) func(context.Context) channelOutcome {
	switch ch {
	case verdict.ChannelPattern:
		return func(context.Context) channelOutcome { return d.runPattern(t, text) }
	case verdict.ChannelRule:
		return func(context.Context) channelOutcome { return d.runRules(t, text, rctx) }
	case verdict.ChannelML:
		return func(ctx context.Context) channelOutcome { return d.runML(ctx, t, text) }
	default:
		return func(context.Context) channelOutcome { return d.runBehavioral(t, sessionID) }
	}
}

// runPattern analyzes the original text and its de-obfuscated variants,
// keeping the strongest result. A match that only fires on a variant is
// tagged so the audit trail shows the obfuscation was material.
func (d *DetectionService) runPattern(t *technique.Technique, text string) channelOutcome {
	out := channelOutcome{channel: verdict.ChannelPattern}

	res := pattern.Analyze(t, text)
	out.matched = res.Matched
	out.confidence = res.Confidence
	out.evidence = res.Evidence

	variants := d.normalizer.Variants(text)
	for _, v := range variants.Variants {
		vr := pattern.Analyze(t, v)
		if !vr.Matched {
			continue
		}
		if !out.matched {
			out.evidence = append(out.evidence, "matched after de-obfuscation")
		}
		out.matched = true
		if vr.Confidence > out.confidence {
			out.confidence = vr.Confidence
		}
		out.evidence = appendNewEvidence(out.evidence, vr.Evidence)
	}
	return out
}

// runRules evaluates the technique's declared rule families, keeping
// the maximum confidence of those that triggered.
func (d *DetectionService) runRules(t *technique.Technique, text string, rctx rules.Context) channelOutcome {
	out := channelOutcome{channel: verdict.ChannelRule}

	for _, name := range t.Detection.Rules {
		fn, ok := d.rules.Lookup(name)
		if !ok {
			out.evidence = append(out.evidence, "rule family not registered: "+name)
			continue
		}
		res := fn(text, rctx)
		if !res.Triggered {
			continue
		}
		out.matched = true
		if res.Confidence > out.confidence {
			out.confidence = res.Confidence
		}
		out.evidence = append(out.evidence, res.Reasons...)
	}
	return out
}

// runML scores the text against the technique's model. Backend failure
// makes the channel unavailable rather than failing the dispatch.
func (d *DetectionService) runML(ctx context.Context, t *technique.Technique, text string) channelOutcome {
	out := channelOutcome{channel: verdict.ChannelML}
	ref := t.Detection.MLModel

	score, err := d.scorer.Score(ctx, ref.Name, text)
	if err != nil {
		d.logger.Warn("ml scoring failed", "model", ref.Name, "error", err)
		out.unavailable = true
		return out
	}

	if score >= ref.Threshold {
		out.matched = true
		out.confidence = score
		out.evidence = append(out.evidence,
			fmt.Sprintf("ml: %s scored %.2f (threshold %.2f)", ref.Name, score, ref.Threshold))
	}
	return out
}

// runBehavioral checks the technique's feature thresholds against the
// session call graph.
func (d *DetectionService) runBehavioral(t *technique.Technique, sessionID string) channelOutcome {
	out := channelOutcome{channel: verdict.ChannelBehavioral}

	risk := d.graph.Analyze(sessionID, 0)
	for _, check := range t.Detection.Behavioral {
		value, ok := behavioralFeature(risk, check.Feature)
		if !ok || value <= check.Threshold {
			continue
		}
		out.matched = true
		out.evidence = append(out.evidence,
			fmt.Sprintf("behavioral: %s=%.2f exceeds %.2f", check.Feature, value, check.Threshold))
	}
	if out.matched {
		out.confidence = risk.Confidence
		if out.confidence < 0.5 {
			out.confidence = 0.5
		}
		out.evidence = appendNewEvidence(out.evidence, risk.Evidence)
	}
	return out
}

// behavioralFeature resolves a feature name to its current value.
func behavioralFeature(risk callgraph.Risk, feature string) (float64, bool) {
	switch feature {
	case "risk_score":
		return risk.Score, true
	case "graph_density":
		return risk.Features.Density, true
	case "node_count":
		return float64(risk.Features.Nodes), true
	case "edge_count":
		return float64(risk.Features.Edges), true
	case "avg_degree":
		return risk.Features.AvgDegree, true
	case "attack_stages":
		return float64(len(risk.Stages)), true
	case "suspicious_chains":
		return float64(len(risk.Chains)), true
	case "pattern_matches":
		return float64(len(risk.Patterns)), true
	default:
		return 0, false
	}
}

// compress folds one technique's channel outcomes into a per-technique
// verdict: matched when any channel matched, confidence is the maximum
// over matched channels, evidence concatenates channel by channel in
// fixed order. Declared channels that produced no outcome are recorded
// as unavailable and excluded from matching.
func compress(t *technique.Technique, declared []verdict.Channel, got map[verdict.Channel]channelOutcome) verdict.PerTechnique {
	v := verdict.PerTechnique{
		TechniqueID: t.ID,
		Severity:    t.Severity,
		Mitigations: t.Mitigations,
	}

	declaredSet := make(map[verdict.Channel]bool, len(declared))
	for _, ch := range declared {
		declaredSet[ch] = true
	}

	for _, ch := range channelOrder {
		if !declaredSet[ch] {
			continue
		}
		o, ok := got[ch]
		if !ok || o.unavailable {
			v.Evidence = append(v.Evidence, "channel unavailable: "+string(ch))
			continue
		}
		v.Evidence = append(v.Evidence, o.evidence...)
		if !o.matched {
			continue
		}
		if v.Channels == nil {
			v.Channels = make(map[verdict.Channel]float64)
		}
		v.Channels[ch] = o.confidence
		v.Matched = true
		if o.confidence > v.Confidence {
			v.Confidence = o.confidence
			v.Method = ch
		}
	}
	return v
}

// appendNewEvidence appends items not already present, preserving order.
func appendNewEvidence(dst, src []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, e := range dst {
		seen[e] = true
	}
	for _, e := range src {
		if !seen[e] {
			seen[e] = true
			dst = append(dst, e)
		}
	}
	return dst
}

// classifySink infers the dangerous sink a tool call writes to, from
// the tool name and arguments. Tools without a recognizable sink are
// not flow-checked.
func classifySink(tool string, args map[string]interface{}) (taint.SinkKind, string, bool) {
	lower := strings.ToLower(tool)

	if dest, ok := stringArg(args, "url", "uri", "endpoint", "host"); ok {
		return taint.SinkNetwork, dest, true
	}
	if containsToken(lower, "http", "fetch", "curl", "download", "upload", "request", "webhook", "send") {
		return taint.SinkNetwork, "", true
	}
	if containsToken(lower, "exec", "run", "shell", "command", "spawn", "process") {
		dest, _ := stringArg(args, "command", "cmd", "script")
		return taint.SinkProcess, dest, true
	}
	if containsToken(lower, "write", "save", "append", "put", "copy", "move") {
		dest, _ := stringArg(args, "path", "file", "filename", "destination")
		return taint.SinkFilesystem, dest, true
	}
	return "", "", false
}

// flowCandidates lists the argument values checked against the flow
// tracker. Taint fingerprints whole values, so each string argument is
// checked on its own.
func flowCandidates(args map[string]interface{}) []string {
	var out []string
	for _, v := range args {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseArgs decodes the flattened request argument text back into a
// map. Returns nil for empty or non-JSON input.
func parseArgs(requestText string) map[string]interface{} {
	if requestText == "" {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(requestText), &args); err != nil {
		return nil
	}
	return args
}

func stringArg(args map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func containsToken(s string, tokens ...string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// Compile-time check that DetectionService implements SecurityInspector.
var _ proxy.SecurityInspector = (*DetectionService)(nil)
