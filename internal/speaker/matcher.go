package speaker

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultThreshold is the cosine similarity a probe must strictly exceed to
// count as a match. Tunable per deployment via the -threshold flag.
const DefaultThreshold = 0.75

// ErrEmptyProbe is returned when the probe embedding has no components.
var ErrEmptyProbe = errors.New("probe embedding is empty")

// Candidate is one enrolled speaker considered during matching.
type Candidate struct {
	Name      string
	Embedding []float64
}

// Result describes the outcome of matching a probe against the enrolled set.
type Result struct {
	IsMatch bool    `json:"isMatch"`
	Name    string  `json:"name"`
	Score   float64 `json:"score"`
	Details string  `json:"details"`
}

// Matcher compares probe embeddings against enrolled candidates by cosine
// similarity and applies the match threshold.
type Matcher struct {
	Threshold float64
}

func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{Threshold: threshold}
}

// Match scans every candidate and returns the best one above the threshold.
// An empty candidate set is a normal no-match outcome, not an error. Ties
// keep the first candidate seen, so the result depends on enumeration order.
func (m *Matcher) Match(probe []float64, candidates []Candidate) (Result, error) {
	if len(probe) == 0 {
		return Result{}, ErrEmptyProbe
	}

	best := Result{Name: "Unknown", Score: 0}
	for _, cand := range candidates {
		score := cosineSimilarity(probe, cand.Embedding)
		if score > best.Score {
			best.Name = cand.Name
			best.Score = score
		}
	}

	best.IsMatch = best.Score > m.Threshold
	if best.IsMatch {
		best.Details = fmt.Sprintf("Matched with %s (%.1f%%)", best.Name, best.Score*100)
	} else {
		best.Name = "Unknown"
		best.Details = "No matching speaker found."
	}

	return best, nil
}

// cosineSimilarity returns dot(a,b) / (|a|*|b|). Vectors of different lengths
// similarity is 0 rather than an error, so a model dimensionality change
// degrades matching instead of breaking the scan path. Zero-norm vectors
// also score 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	dot := floats.Dot(a, b)
	normA := math.Sqrt(floats.Dot(a, a))
	normB := math.Sqrt(floats.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (normA * normB)
}
