package ml

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// term is one weighted lexicon entry of a lexical model.
type term struct {
	text   string
	weight float64
}

// lexicon is a linear bag-of-terms model. Term weights are summed over
// occurrences and clamped to [0,1].
type lexicon struct {
	name  string
	terms []term
}

func (l *lexicon) score(text string) float64 {
	lower := strings.ToLower(text)
	var total float64
	for _, t := range l.terms {
		if strings.Contains(lower, t.text) {
			total += t.weight
		}
	}
	if total > 1 {
		total = 1
	}
	return total
}

// LexicalScorer is the local fallback scoring backend: per-model term
// lexicons instead of a remote classifier. Models resolve lazily on
// first use and the outcome, including failure, is cached so a missing
// model fails fast on every later call. Implements
// outbound.ModelScorer.
type LexicalScorer struct {
	logger *slog.Logger

	mu     sync.Mutex
	loaded map[string]*loadedModel
}

type loadedModel struct {
	lex *lexicon
	err error
}

// NewLexicalScorer creates a LexicalScorer with the built-in lexicons.
func NewLexicalScorer(logger *slog.Logger) *LexicalScorer {
	return &LexicalScorer{
		logger: logger,
		loaded: make(map[string]*loadedModel),
	}
}

// Score evaluates text under the named model's lexicon.
func (s *LexicalScorer) Score(_ context.Context, model, text string) (float64, error) {
	m := s.resolve(model)
	if m.err != nil {
		return 0, m.err
	}
	return m.lex.score(text), nil
}

func (s *LexicalScorer) resolve(model string) *loadedModel {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.loaded[model]; ok {
		return m
	}

	m := &loadedModel{}
	if lex, ok := builtinLexicons[model]; ok {
		m.lex = lex
		s.logger.Info("lexical model loaded", "model", model, "terms", len(lex.terms))
	} else {
		m.err = fmt.Errorf("model not found: %s", model)
		s.logger.Warn("lexical model unavailable", "model", model)
	}
	s.loaded[model] = m
	return m
}

// builtinLexicons cover the shipped technique catalogue. Two strong
// terms push a text past the default 0.75 trigger threshold.
var builtinLexicons = map[string]*lexicon{
	"safe-mcp/T1102-detector": {
		name: "safe-mcp/T1102-detector",
		terms: []term{
			{"ignore previous instructions", 0.45},
			{"ignore all previous instructions", 0.45},
			{"disregard", 0.30},
			{"system prompt", 0.40},
			{"new instructions", 0.35},
			{"you are now", 0.35},
			{"pretend to be", 0.30},
			{"developer mode", 0.40},
			{"jailbreak", 0.45},
			{"do anything now", 0.40},
			{"from now on", 0.25},
			{"reveal your", 0.30},
			{"override", 0.20},
			{"bypass restrictions", 0.40},
		},
	},
	"safe-mcp/T1110-detector": {
		name: "safe-mcp/T1110-detector",
		terms: []term{
			{"| bash", 0.45},
			{"| sh", 0.40},
			{"rm -rf", 0.45},
			{"curl ", 0.25},
			{"wget ", 0.25},
			{"nc -e", 0.45},
			{"/dev/tcp/", 0.45},
			{"$(", 0.30},
			{"`", 0.20},
			{"&& rm", 0.40},
			{"; rm", 0.40},
			{"chmod 777", 0.35},
		},
	},
	"safe-mcp/T1105-detector": {
		name: "safe-mcp/T1105-detector",
		terms: []term{
			{"../", 0.40},
			{"..\\", 0.40},
			{"%2e%2e", 0.45},
			{"/etc/passwd", 0.45},
			{"/etc/shadow", 0.45},
			{".ssh/", 0.40},
			{".aws/", 0.40},
			{"file://", 0.30},
			{"%00", 0.40},
		},
	},
}
