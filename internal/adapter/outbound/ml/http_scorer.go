// Package ml provides model scoring adapters for the detection
// pipeline's ML channel: a remote HTTP classification backend and a
// local lexical fallback model.
package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// maxScoreBodySize bounds the classification response body.
	maxScoreBodySize = 64 * 1024

	defaultScoreTimeout = 5 * time.Second

	// maxInputLength truncates oversized inputs before scoring, the
	// backend tokenizer would truncate anyway.
	maxInputLength = 8 * 1024
)

// maliciousLabels are the labels a binary classifier emits for the
// positive class.
var maliciousLabels = map[string]bool{
	"LABEL_1":   true,
	"1":         true,
	"malicious": true,
}

// HTTPScorer scores text against a remote text-classification service.
// It implements outbound.ModelScorer.
type HTTPScorer struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPScorerOption configures an HTTPScorer.
type HTTPScorerOption func(*HTTPScorer)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPScorerOption {
	return func(s *HTTPScorer) {
		s.httpClient = client
	}
}

// WithScoreTimeout sets the per-request timeout.
func WithScoreTimeout(d time.Duration) HTTPScorerOption {
	return func(s *HTTPScorer) {
		s.httpClient.Timeout = d
	}
}

// NewHTTPScorer creates an HTTPScorer posting to endpoint.
func NewHTTPScorer(endpoint string, logger *slog.Logger, opts ...HTTPScorerOption) *HTTPScorer {
	s := &HTTPScorer{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: defaultScoreTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type scoreRequest struct {
	Model  string `json:"model"`
	Inputs string `json:"inputs"`
}

type scoreResponse struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Score classifies text under the named model. The backend returns the
// winning label with its probability; benign-labelled results are
// inverted so the returned score is always the malicious-class
// probability.
func (s *HTTPScorer) Score(ctx context.Context, model, text string) (float64, error) {
	if len(text) > maxInputLength {
		text = text[:maxInputLength]
	}

	body, err := json.Marshal(scoreRequest{Model: model, Inputs: text})
	if err != nil {
		return 0, fmt.Errorf("encode score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/score", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("score %s: %w", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxScoreBodySize))
		return 0, fmt.Errorf("score %s: backend returned %d", model, resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxScoreBodySize)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score response: %w", err)
	}

	score := out.Score
	if !maliciousLabels[out.Label] {
		score = 1.0 - score
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	s.logger.Debug("model scored input",
		"model", model,
		"label", out.Label,
		"score", score,
	)
	return score, nil
}
