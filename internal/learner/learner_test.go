package learner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"reasoningbank/internal/store"
	"reasoningbank/pkg/types"
)

func newTestLearner(t *testing.T) (*Learner, *store.Store) {
	t.Helper()
	cfg := store.DefaultConfig(t.TempDir(), 3)
	s, err := store.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := New(s, DefaultConfig(), types.MetricCosine)
	return l, s
}

func TestRecommendInsertRecall(t *testing.T) {
	l, s := newTestLearner(t)
	ctx := context.Background()

	insert := func(strategy string, emb []float32, success bool, score float64) {
		_, err := s.Insert(ctx, types.Pattern{
			Task: "sort N integers", Context: "algo", Strategy: strategy, Embedding: emb,
			Outcome: &types.Outcome{Success: success, Score: score},
		})
		require.NoError(t, err)
	}
	insert("quicksort", []float32{0.8, 0.1, 0}, true, 0.9)
	insert("mergesort", []float32{0.99, 0.01, 0}, true, 0.95)
	insert("bubble", []float32{0, 0, 1}, false, 0.2)

	rec, err := l.Recommend(ctx, Query{Context: "algo", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Equal(t, "mergesort", rec.Strategy)
	require.Contains(t, rec.SupportingPatternIDs, patternIDFor(t, s, ctx, "mergesort"))
	require.Greater(t, rec.Confidence, 0.0)
}

func patternIDFor(t *testing.T, s *store.Store, ctx context.Context, strategy string) types.PatternID {
	t.Helper()
	results, err := s.QuerySimilar(ctx, []float32{1, 0, 0}, types.Filter{Context: "algo"}, 10)
	require.NoError(t, err)
	for _, r := range results {
		if r.Pattern.Strategy == strategy {
			return r.Pattern.ID
		}
	}
	t.Fatalf("no pattern with strategy %s", strategy)
	return ""
}

func TestRecommendEmptyStoreFallsBackToDefault(t *testing.T) {
	l, _ := newTestLearner(t)
	rec, err := l.Recommend(context.Background(), Query{Context: "unknown", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.Equal(t, "noop", rec.Strategy)
	require.Equal(t, 0.0, rec.Confidence)
	require.Empty(t, rec.SupportingPatternIDs)
}

func TestRecommendKZeroYieldsEmptyResult(t *testing.T) {
	l, s := newTestLearner(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, types.Pattern{Task: "t", Context: "algo", Strategy: "x", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)

	rec, err := l.Recommend(ctx, Query{Context: "algo", Embedding: []float32{1, 0, 0}, K: 0, HasK: true})
	require.NoError(t, err)
	require.Equal(t, "noop", rec.Strategy)
	require.Equal(t, 0.0, rec.Confidence)
	require.Empty(t, rec.SupportingPatternIDs)
}

func TestRecommendZeroVectorQueryFallsBackToDefault(t *testing.T) {
	l, s := newTestLearner(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, types.Pattern{
		Task: "t", Context: "algo", Strategy: "x", Embedding: []float32{1, 0, 0},
		Outcome: &types.Outcome{Success: true, Score: 1},
	})
	require.NoError(t, err)

	rec, err := l.Recommend(ctx, Query{Context: "algo", Embedding: []float32{0, 0, 0}})
	require.NoError(t, err)
	require.Equal(t, "noop", rec.Strategy)
}

func TestRecommendDeterministic(t *testing.T) {
	l, s := newTestLearner(t)
	ctx := context.Background()
	_, err := s.Insert(ctx, types.Pattern{
		Task: "t", Context: "algo", Strategy: "x", Embedding: []float32{1, 0, 0},
		Outcome: &types.Outcome{Success: true, Score: 0.7},
	})
	require.NoError(t, err)

	q := Query{Context: "algo", Embedding: []float32{0.9, 0.1, 0}}
	r1, err := l.Recommend(ctx, q)
	require.NoError(t, err)
	r2, err := l.Recommend(ctx, q)
	require.NoError(t, err)
	require.Equal(t, r1, r2)
}

func TestObserveThenRecommendConfidenceDrops(t *testing.T) {
	l, s := newTestLearner(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, types.Pattern{Task: "t", Context: "algo", Strategy: "x", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)

	q := Query{Context: "algo", Embedding: []float32{1, 0, 0}}
	before, err := l.Recommend(ctx, q)
	require.NoError(t, err)

	require.NoError(t, s.AttachOutcome(ctx, id, types.Outcome{Success: false, Score: 0.1}))

	after, err := l.Recommend(ctx, q)
	require.NoError(t, err)
	require.Less(t, after.Confidence, before.Confidence)

	stats, err := s.StrategyStats(ctx, "algo")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, 0.0, stats[0].SuccessRate)
}
