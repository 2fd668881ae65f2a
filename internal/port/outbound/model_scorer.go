package outbound

import "context"

// ModelScorer is the outbound port for ML classification backends.
// Score returns a risk score in [0,1] for text under the named model.
// Adapters implement this for local lexical models and remote scoring
// endpoints.
type ModelScorer interface {
	Score(ctx context.Context, model, text string) (float64, error)
}
