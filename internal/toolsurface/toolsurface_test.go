package toolsurface

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"reasoningbank/internal/learner"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

type fakeLearner struct {
	recommendFn func(ctx context.Context, q learner.Query) (types.Recommendation, error)
}

func (f *fakeLearner) Recommend(ctx context.Context, q learner.Query) (types.Recommendation, error) {
	return f.recommendFn(ctx, q)
}

type fakeStore struct {
	insertFn func(ctx context.Context, p types.Pattern) (types.PatternID, error)
	attachFn func(ctx context.Context, id types.PatternID, o types.Outcome) error
	statsFn  func(ctx context.Context, contextTag string) ([]types.StrategyStats, error)
	readOnly bool
}

func (f *fakeStore) Insert(ctx context.Context, p types.Pattern) (types.PatternID, error) {
	return f.insertFn(ctx, p)
}

func (f *fakeStore) AttachOutcome(ctx context.Context, id types.PatternID, o types.Outcome) error {
	return f.attachFn(ctx, id, o)
}

func (f *fakeStore) StrategyStats(ctx context.Context, contextTag string) ([]types.StrategyStats, error) {
	return f.statsFn(ctx, contextTag)
}

func (f *fakeStore) ReadOnly() bool { return f.readOnly }

type fakeGossiper struct {
	pullFn func(ctx context.Context, address string) error
}

func (f *fakeGossiper) PullSnapshot(ctx context.Context, address string) error {
	return f.pullFn(ctx, address)
}

type fakeBus struct{ count int }

func (f *fakeBus) SessionCount() int { return f.count }

func newTestHandler() (*Handler, *fakeLearner, *fakeStore, *fakeGossiper, *fakeBus) {
	l := &fakeLearner{}
	s := &fakeStore{}
	g := &fakeGossiper{}
	b := &fakeBus{}
	return New(l, s, g, b, nil), l, s, g, b
}

func TestHealthReportsStoreModeAndSessionCount(t *testing.T) {
	h, _, s, _, b := newTestHandler()
	s.readOnly = true
	b.count = 3

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "read-only", body["store_mode"])
	require.Equal(t, float64(3), body["bus_sessions"])
}

func TestStorePatternReturnsCreatedWithID(t *testing.T) {
	h, _, s, _, _ := newTestHandler()
	s.insertFn = func(ctx context.Context, p types.Pattern) (types.PatternID, error) {
		require.Equal(t, "ctx-a", p.Context)
		require.Nil(t, p.Outcome)
		return "new-id", nil
	}

	body, _ := json.Marshal(storePatternRequest{Task: "t", Context: "ctx-a", Strategy: "s", Embedding: []float32{0.1}})
	req := httptest.NewRequest(http.MethodPost, "/patterns", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "new-id", resp["id"])
}

func TestStorePatternWithOutcomeForwardsItToInsert(t *testing.T) {
	h, _, s, _, _ := newTestHandler()
	s.insertFn = func(ctx context.Context, p types.Pattern) (types.PatternID, error) {
		require.NotNil(t, p.Outcome)
		require.True(t, p.Outcome.Success)
		require.Equal(t, 0.75, p.Outcome.Score)
		return "new-id", nil
	}

	body, _ := json.Marshal(storePatternRequest{
		Task: "t", Context: "ctx-a", Strategy: "s", Embedding: []float32{0.1},
		Outcome: &types.Outcome{Success: true, Score: 0.75},
	})
	req := httptest.NewRequest(http.MethodPost, "/patterns", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
}

func TestStorePatternBadJSONReturnsBadRequest(t *testing.T) {
	h, _, _, _, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/patterns", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAttachOutcomeNotFoundMapsTo404(t *testing.T) {
	h, _, s, _, _ := newTestHandler()
	s.attachFn = func(ctx context.Context, id types.PatternID, o types.Outcome) error {
		return bankerr.New(bankerr.KindNotFound, "no such pattern")
	}

	body, _ := json.Marshal(types.Outcome{Success: true, Score: 0.9})
	req := httptest.NewRequest(http.MethodPost, "/patterns/missing-id/outcome", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAttachOutcomeAlreadySetMapsToConflict(t *testing.T) {
	h, _, s, _, _ := newTestHandler()
	s.attachFn = func(ctx context.Context, id types.PatternID, o types.Outcome) error {
		return bankerr.New(bankerr.KindAlreadySet, "outcome already attached")
	}

	body, _ := json.Marshal(types.Outcome{Success: true, Score: 0.9})
	req := httptest.NewRequest(http.MethodPost, "/patterns/id-1/outcome", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestAttachOutcomeSuccess(t *testing.T) {
	h, _, s, _, _ := newTestHandler()
	var gotID types.PatternID
	s.attachFn = func(ctx context.Context, id types.PatternID, o types.Outcome) error {
		gotID = id
		return nil
	}

	body, _ := json.Marshal(types.Outcome{Success: true, Score: 0.9})
	req := httptest.NewRequest(http.MethodPost, "/patterns/id-1/outcome", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, types.PatternID("id-1"), gotID)
}

func TestRecommendForwardsOptionalFields(t *testing.T) {
	h, l, _, _, _ := newTestHandler()
	l.recommendFn = func(ctx context.Context, q learner.Query) (types.Recommendation, error) {
		require.True(t, q.HasK)
		require.Equal(t, 5, q.K)
		require.True(t, q.HasMinSim)
		return types.Recommendation{Strategy: "noop"}, nil
	}

	k := 5
	minSim := float32(0.7)
	body, _ := json.Marshal(recommendRequest{Task: "t", Context: "ctx-a", K: &k, MinSimilarity: &minSim})
	req := httptest.NewRequest(http.MethodPost, "/recommend", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var rec types.Recommendation
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	require.Equal(t, "noop", rec.Strategy)
}

func TestStrategyStatsReturnsRows(t *testing.T) {
	h, _, s, _, _ := newTestHandler()
	s.statsFn = func(ctx context.Context, contextTag string) ([]types.StrategyStats, error) {
		require.Equal(t, "ctx-a", contextTag)
		return []types.StrategyStats{{Context: "ctx-a", Strategy: "s1", Count: 4}}, nil
	}

	req := httptest.NewRequest(http.MethodGet, "/strategies/ctx-a", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats []types.StrategyStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	require.Len(t, stats, 1)
	require.Equal(t, int64(4), stats[0].Count)
}

func TestRequestSnapshotRequiresPeer(t *testing.T) {
	h, _, _, _, _ := newTestHandler()
	body, _ := json.Marshal(snapshotRequest{Peer: ""})
	req := httptest.NewRequest(http.MethodPost, "/snapshot/request", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestSnapshotCallsGossiperAndReturnsAccepted(t *testing.T) {
	h, _, _, g, _ := newTestHandler()
	var gotAddr string
	g.pullFn = func(ctx context.Context, address string) error {
		gotAddr = address
		return nil
	}

	body, _ := json.Marshal(snapshotRequest{Peer: "peer-1:7777"})
	req := httptest.NewRequest(http.MethodPost, "/snapshot/request", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "peer-1:7777", gotAddr)
}

func TestRequestSnapshotWithoutGossiperConfiguredIsUnavailable(t *testing.T) {
	h := New(&fakeLearner{}, &fakeStore{}, nil, nil, nil)
	body, _ := json.Marshal(snapshotRequest{Peer: "peer-1:7777"})
	req := httptest.NewRequest(http.MethodPost, "/snapshot/request", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
