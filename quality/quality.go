// Package quality implements the Quality Evaluator (§4.5): a local,
// heuristic ranking over a set of candidate responses, with no LLM call
// involved.
package quality

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relayforge/polyllm/types"
)

// MinimumTokens is the length floor below which a response is treated as
// trivially short (§4.5).
const MinimumTokens = 16

// Weights are the composite-score coefficients. Implementation-tunable
// constants per spec.md's open question on ranking weights — not exposed
// as configuration.
type Weights struct {
	Length     float64
	Structure  float64
	Apology    float64
	ErrorPrefix float64
}

// DefaultWeights is the coefficient set used unless the caller overrides
// it.
func DefaultWeights() Weights {
	return Weights{Length: 1.0, Structure: 0.5, Apology: -2.0, ErrorPrefix: -5.0}
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	return enc
}

func tokenCount(s string) int {
	if e := encoder(); e != nil {
		return len(e.Encode(s, nil, nil))
	}
	// Fallback heuristic when the encoder table fails to load: roughly
	// 4 characters per token, matching tiktoken's own rule of thumb.
	return len(s) / 4
}

var apologyPhrases = []string{
	"i'm sorry", "i am sorry", "i apologize", "as an ai", "i cannot assist",
	"i can't help with that",
}

// Candidate is one ranked response, keyed by the model that produced it.
type Candidate struct {
	Model    types.ModelIdentifier
	Response types.ModelResponse
	Score    float64
}

// Evaluator scores and ranks candidate responses.
type Evaluator struct {
	weights Weights
}

// New builds an Evaluator with the given weights; zero-value Weights falls
// back to DefaultWeights.
func New(w Weights) *Evaluator {
	if w == (Weights{}) {
		w = DefaultWeights()
	}
	return &Evaluator{weights: w}
}

func (e *Evaluator) score(text string) float64 {
	tokens := tokenCount(text)
	var score float64

	if tokens < MinimumTokens {
		return -100 + float64(tokens) // still orders trivially-short answers among themselves
	}
	score += e.weights.Length * float64(min(tokens, 512))

	if strings.Contains(text, ". ") {
		score += e.weights.Structure
	}
	if strings.Contains(text, "\n\n") {
		score += e.weights.Structure
	}

	lower := strings.ToLower(text)
	for _, phrase := range apologyPhrases {
		if strings.Contains(lower, phrase) {
			score += e.weights.Apology
			break
		}
	}
	if strings.HasPrefix(text, "Error:") {
		score += e.weights.ErrorPrefix
	}
	return score
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Rank orders responses by descending score, breaking ties on the
// models' own identifiers so Rank is deterministic for identical inputs
// as required by §8's round-trip law regardless of Go's randomized map
// iteration order. If ultraModel is non-zero and present among
// responses, it breaks ties in its own favor over any other candidate
// with an equal score.
func (e *Evaluator) Rank(responses map[types.ModelIdentifier]types.ModelResponse, ultraModel types.ModelIdentifier) ([]Candidate, types.ModelIdentifier) {
	candidates := make([]Candidate, 0, len(responses))
	for model, resp := range responses {
		candidates = append(candidates, Candidate{Model: model, Response: resp, Score: e.score(resp.Content)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		iUltra := candidates[i].Model == ultraModel
		jUltra := candidates[j].Model == ultraModel
		if iUltra != jUltra {
			return iUltra
		}
		return candidates[i].Model.String() < candidates[j].Model.String()
	})

	var lead types.ModelIdentifier
	if len(candidates) > 0 {
		lead = candidates[0].Model
	}
	return candidates, lead
}
