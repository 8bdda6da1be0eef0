package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig(t.TempDir(), 3)
	s, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, types.Pattern{
		Task:      "sort N integers",
		Context:   "algo",
		Strategy:  "quicksort",
		Embedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "quicksort", got.Strategy)
}

func TestInsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := types.Pattern{Task: "x", Context: "c", Strategy: "s", Embedding: []float32{1, 2, 3}, CreatedAt: time.Unix(100, 0).UTC()}

	id1, err := s.Insert(ctx, p)
	require.NoError(t, err)
	id2, err := s.Insert(ctx, p)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	s.mu.RLock()
	n := len(s.cache)
	s.mu.RUnlock()
	require.Equal(t, 1, n)
}

func TestInsertIdempotentWithServerStampedCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := types.Pattern{Task: "x", Context: "c", Strategy: "s", Embedding: []float32{1, 2, 3}}

	id1, err := s.Insert(ctx, p)
	require.NoError(t, err)
	id2, err := s.Insert(ctx, p)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	s.mu.RLock()
	n := len(s.cache)
	s.mu.RUnlock()
	require.Equal(t, 1, n)
}

func TestInsertDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Insert(context.Background(), types.Pattern{
		Task: "x", Context: "c", Strategy: "s", Embedding: []float32{1, 2},
	})
	require.Error(t, err)
	kind, ok := bankerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, bankerr.KindDimensionMismatch, kind)
}

func TestAttachOutcomeAlreadySet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.Insert(ctx, types.Pattern{
		Task: "x", Context: "c", Strategy: "s", Embedding: []float32{1, 0, 0},
		Outcome: &types.Outcome{Success: true, Score: 0.9},
	})
	require.NoError(t, err)

	err = s.AttachOutcome(ctx, id, types.Outcome{Success: false, Score: 0.1})
	require.Error(t, err)
	kind, _ := bankerr.KindOf(err)
	require.Equal(t, bankerr.KindAlreadySet, kind)
}

func TestAttachOutcomeNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.AttachOutcome(context.Background(), "missing", types.Outcome{Success: true, Score: 1})
	require.Error(t, err)
	kind, _ := bankerr.KindOf(err)
	require.Equal(t, bankerr.KindNotFound, kind)
}

func TestQuerySimilarRanksByDescendingSimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert := func(strategy string, emb []float32) {
		_, err := s.Insert(ctx, types.Pattern{Task: "t", Context: "algo", Strategy: strategy, Embedding: emb})
		require.NoError(t, err)
	}
	mustInsert("quicksort", []float32{1, 0, 0})
	mustInsert("mergesort", []float32{0.9, 0.1, 0})
	mustInsert("bubble", []float32{0, 1, 0})

	results, err := s.QuerySimilar(ctx, []float32{1, 0, 0}, types.Filter{Context: "algo"}, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "quicksort", results[0].Pattern.Strategy)
	require.GreaterOrEqual(t, results[0].Similarity, results[1].Similarity)
	require.GreaterOrEqual(t, results[1].Similarity, results[2].Similarity)
}

func TestStrategyStatsUpdatesOnOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, types.Pattern{Task: "t", Context: "algo", Strategy: "quicksort", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)

	stats, err := s.StrategyStats(ctx, "algo")
	require.NoError(t, err)
	require.Empty(t, stats)

	require.NoError(t, s.AttachOutcome(ctx, id, types.Outcome{Success: true, Score: 0.8}))

	stats, err = s.StrategyStats(ctx, "algo")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(1), stats[0].Count)
	require.Equal(t, 1.0, stats[0].SuccessRate)
}

func TestIterSinceReturnsCommittedOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t0 := time.Now().UTC()
	_, err := s.Insert(ctx, types.Pattern{Task: "a", Context: "c", Strategy: "s", Embedding: []float32{1, 0, 0}, CreatedAt: t0})
	require.NoError(t, err)
	t1 := t0.Add(time.Second)
	_, err = s.Insert(ctx, types.Pattern{Task: "b", Context: "c", Strategy: "s", Embedding: []float32{0, 1, 0}, CreatedAt: t1})
	require.NoError(t, err)

	var got []string
	for p := range s.IterSince(ctx, t1) {
		got = append(got, p.Task)
	}
	require.Equal(t, []string{"b"}, got)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir, 3)

	s1, err := Open(cfg, nil)
	require.NoError(t, err)
	id, err := s1.Insert(context.Background(), types.Pattern{Task: "t", Context: "c", Strategy: "s", Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(cfg, nil)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "t", got.Task)
}
