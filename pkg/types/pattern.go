// Package types holds the shared vocabulary of the reasoning bank: the
// record shapes that the pattern store, the adaptive learner, and the
// neural bus all agree on. Nothing in this package has behavior beyond
// simple validation — it exists so that every package encodes, decodes,
// and reasons about the same schema.
package types

import "time"

// PatternID is an opaque, content-derived identifier. Two patterns with
// identical task/context/strategy/embedding content share an id
// (created_at and outcome are not hashed), which is what makes Insert
// idempotent.
type PatternID string

// Outcome is the post-hoc evaluation of a pattern's attempt.
type Outcome struct {
	Success    bool    `json:"success"`
	Score      float64 `json:"score"`
	DurationMs uint64  `json:"duration_ms"`
	Notes      string  `json:"notes,omitempty"`
}

// Clamp forces Score into [0,1], per the store's invariant.
func (o *Outcome) Clamp() {
	if o.Score < 0 {
		o.Score = 0
	}
	if o.Score > 1 {
		o.Score = 1
	}
}

// Pattern is a record of one prior task attempt. Immutable once
// committed to the store, except for the one-time attachment of Outcome.
type Pattern struct {
	ID        PatternID `json:"id"`
	Task      string    `json:"task"`
	Context   string    `json:"context"`
	Strategy  string    `json:"strategy"`
	Embedding []float32 `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
}

// StrategyStats is the derived, mutable per-(context,strategy) row.
type StrategyStats struct {
	Context     string    `json:"context"`
	Strategy    string    `json:"strategy"`
	Count       int64     `json:"count"`
	SuccessRate float64   `json:"success_rate"`
	MeanScore   float64   `json:"mean_score"`
	LastUpdated time.Time `json:"last_updated"`
}

// SimilarityDistribution summarizes the similarity of supporting patterns.
type SimilarityDistribution struct {
	Min  float32 `json:"min"`
	Mean float32 `json:"mean"`
	Max  float32 `json:"max"`
}

// Recommendation is the ephemeral output of a recommend call.
type Recommendation struct {
	Strategy              string                  `json:"strategy"`
	Confidence            float64                 `json:"confidence"`
	SupportingPatternIDs  []PatternID             `json:"supporting_pattern_ids"`
	RationaleSummary      string                  `json:"rationale_summary"`
	SimilarityDistribution SimilarityDistribution `json:"similarity_distribution"`
}

// Metric selects the similarity kernel.
type Metric string

const (
	MetricCosine      Metric = "cosine"
	MetricEuclideanNeg Metric = "euclidean_neg"
)

// Filter restricts a similarity query.
type Filter struct {
	Context        string
	RequireOutcome bool
	Since          time.Time
	Until          time.Time
}

// Scored pairs a pattern with its similarity to some query embedding.
type Scored struct {
	Pattern    Pattern
	Similarity float32
}
