// Package tokens estimates prompt sizes for telemetry.
//
// DESIGN: Billing always uses the counts returned by the accounting service.
// The estimate here only annotates inlet telemetry, so a missing encoding is
// never an error: the estimator falls back to a characters-per-token ratio.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/compresr/usage-monitor/internal/config"
	"github.com/compresr/usage-monitor/internal/exchange"
)

// fallbackEncoding is used when the model has no registered encoding.
const fallbackEncoding = "cl100k_base"

// Counter counts tokens in text for a model.
type Counter interface {
	Count(model, text string) int
}

// Heuristic estimates tokens from the character count.
func Heuristic(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + config.TokenEstimateRatio - 1) / config.TokenEstimateRatio
}

// HeuristicCounter is a Counter that never loads an encoding.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(_, text string) int { return Heuristic(text) }

// Estimator counts with tiktoken, caching one encoding per model.
type Estimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool
	loading   map[string]bool
	load      func(model string) (*tiktoken.Tiktoken, error)
}

// NewEstimator creates a tiktoken-backed estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		encodings: make(map[string]*tiktoken.Tiktoken),
		failed:    make(map[string]bool),
		loading:   make(map[string]bool),
		load:      encodingFor,
	}
}

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	if model != "" {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return enc, nil
		}
	}
	return tiktoken.GetEncoding(fallbackEncoding)
}

// Count returns the token count of text, or the heuristic when no encoding
// could be loaded for model.
func (e *Estimator) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := e.encoding(model)
	if enc == nil {
		return Heuristic(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// Warm loads the encodings for models ahead of the first Count. An empty
// model warms the fallback encoding.
func (e *Estimator) Warm(models ...string) {
	if len(models) == 0 {
		models = []string{""}
	}
	for _, model := range models {
		e.encoding(model)
	}
}

// encoding returns the cached encoding for model. The first caller loads it
// outside the lock; concurrent callers get nil and use the heuristic until
// the load finishes.
func (e *Estimator) encoding(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	if enc, ok := e.encodings[model]; ok {
		e.mu.Unlock()
		return enc
	}
	if e.failed[model] || e.loading[model] {
		e.mu.Unlock()
		return nil
	}
	e.loading[model] = true
	e.mu.Unlock()

	enc, err := e.load(model)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loading, model)
	if err != nil || enc == nil {
		log.Debug().Err(err).Str("model", model).Msg("tokens: encoding unavailable, using heuristic")
		e.failed[model] = true
		return nil
	}
	e.encodings[model] = enc
	return enc
}

// CountExchange sums the estimate over every text message of ex.
func CountExchange(c Counter, ex *exchange.Exchange) int {
	model := ex.Model()
	total := 0
	for _, m := range ex.Messages() {
		if m.IsText {
			total += c.Count(model, m.Content)
		}
	}
	return total
}
