// Package toolsurface exposes the reasoning bank's store/learner/gossip
// operations to the external tool shell named in spec §1 as an
// out-of-scope collaborator — this package is the thin HTTP adapter it
// talks to, not the shell itself. Every handler decodes a JSON body (or
// none), calls straight through to the underlying component, and
// encodes the result; no business logic lives here.
package toolsurface

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"reasoningbank/internal/learner"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// Learner is the subset of internal/learner.Learner the tool surface
// drives. Observe (§4.3) is deliberately absent: every write the tool
// surface makes goes through Store.Insert, since store_pattern (§6.3)
// carries an optional outcome rather than a required one.
type Learner interface {
	Recommend(ctx context.Context, q learner.Query) (types.Recommendation, error)
}

// Store is the subset of internal/store.Store the tool surface drives
// directly, for operations the learner doesn't front (pattern
// insertion, outcome attachment, stats reads).
type Store interface {
	Insert(ctx context.Context, p types.Pattern) (types.PatternID, error)
	AttachOutcome(ctx context.Context, id types.PatternID, outcome types.Outcome) error
	StrategyStats(ctx context.Context, contextTag string) ([]types.StrategyStats, error)
	ReadOnly() bool
}

// SnapshotPuller is the subset of internal/gossip.Gossiper the tool
// surface drives for an on-demand backfill.
type SnapshotPuller interface {
	PullSnapshot(ctx context.Context, address string) error
}

// SessionCounter reports live bus session count for /health.
type SessionCounter interface {
	SessionCount() int
}

// Handler provides the HTTP handlers of spec §6.3 / SPEC_FULL §6's
// supplements: store_pattern, attach_outcome, recommend, strategy_stats,
// request_snapshot, plus /health.
type Handler struct {
	learner  Learner
	store    Store
	gossiper SnapshotPuller
	bus      SessionCounter
	log      *zap.Logger
}

// New creates a Handler. bus may be nil if the process runs without a
// neural bus listener (e.g. a store-only deployment).
func New(learner Learner, store Store, gossiper SnapshotPuller, bus SessionCounter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{learner: learner, store: store, gossiper: gossiper, bus: bus, log: log}
}

// Router assembles the chi router with the RequestID, RealIP,
// Recoverer and Timeout middleware; chi's request Logger middleware is
// not installed.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.Health)
	r.Post("/patterns", h.StorePattern)
	r.Post("/patterns/{id}/outcome", h.AttachOutcome)
	r.Post("/recommend", h.Recommend)
	r.Get("/strategies/{context}", h.StrategyStats)
	r.Post("/snapshot/request", h.RequestSnapshot)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := bankerr.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		switch bankerr.CategoryOf(kind) {
		case bankerr.CategoryInput:
			status = http.StatusBadRequest
		case bankerr.CategoryState:
			status = http.StatusConflict
			if kind == bankerr.KindNotFound {
				status = http.StatusNotFound
			}
		case bankerr.CategoryCapability:
			status = http.StatusForbidden
		case bankerr.CategoryResource:
			status = http.StatusTooManyRequests
		case bankerr.CategoryStorage:
			status = http.StatusServiceUnavailable
		case bankerr.CategoryCancelled:
			status = http.StatusGatewayTimeout
		}
	}
	writeJSON(w, status, map[string]string{"error": bankerr.RemoteReason(err)})
}

// Health reports process liveness plus store/bus status, matching the
// teacher's healthCheckHandler in spirit (status/timestamp/service) and
// extending it with the store's read-write mode and live session count
// named in SPEC_FULL §6.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	mode := "read-write"
	if h.store.ReadOnly() {
		mode = "read-only"
	}
	sessions := 0
	if h.bus != nil {
		sessions = h.bus.SessionCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"service":      "reasoningbank",
		"store_mode":   mode,
		"bus_sessions": sessions,
	})
}

type storePatternRequest struct {
	Task      string         `json:"task"`
	Context   string         `json:"context"`
	Strategy  string         `json:"strategy"`
	Embedding []float32      `json:"embedding"`
	Outcome   *types.Outcome `json:"outcome,omitempty"`
}

// StorePattern handles POST /patterns: spec §6.3's
// store_pattern(task, context, strategy, embedding, outcome?) -> id,
// which maps one-to-one to the store's Insert (§4.1), not the
// learner's Observe (§4.3, which requires an outcome). Outcome is
// optional here; callers that already know the result can carry it
// along, everyone else attaches it later via AttachOutcome.
func (h *Handler) StorePattern(w http.ResponseWriter, r *http.Request) {
	var req storePatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bankerr.Wrap(bankerr.KindBadParameters, "decode request", err))
		return
	}
	id, err := h.store.Insert(r.Context(), types.Pattern{
		Task:      req.Task,
		Context:   req.Context,
		Strategy:  req.Strategy,
		Embedding: req.Embedding,
		Outcome:   req.Outcome,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": string(id)})
}

// AttachOutcome handles POST /patterns/{id}/outcome.
func (h *Handler) AttachOutcome(w http.ResponseWriter, r *http.Request) {
	id := types.PatternID(chi.URLParam(r, "id"))
	var outcome types.Outcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		writeError(w, bankerr.Wrap(bankerr.KindBadParameters, "decode request", err))
		return
	}
	if err := h.store.AttachOutcome(r.Context(), id, outcome); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recommendRequest struct {
	Task          string    `json:"task"`
	Context       string    `json:"context"`
	Embedding     []float32 `json:"embedding"`
	K             *int      `json:"k,omitempty"`
	MinSimilarity *float32  `json:"min_similarity,omitempty"`
}

// Recommend handles POST /recommend.
func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bankerr.Wrap(bankerr.KindBadParameters, "decode request", err))
		return
	}
	q := learner.Query{Task: req.Task, Context: req.Context, Embedding: req.Embedding}
	if req.K != nil {
		q.K, q.HasK = *req.K, true
	}
	if req.MinSimilarity != nil {
		q.MinSimilarity, q.HasMinSim = *req.MinSimilarity, true
	}
	rec, err := h.learner.Recommend(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StrategyStats handles GET /strategies/{context}, mirroring the
// teacher's agents.Handler.GetAgent read-path shape.
func (h *Handler) StrategyStats(w http.ResponseWriter, r *http.Request) {
	contextTag := chi.URLParam(r, "context")
	stats, err := h.store.StrategyStats(r.Context(), contextTag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type snapshotRequest struct {
	Peer string `json:"peer"`
}

// RequestSnapshot handles POST /snapshot/request: forces an immediate
// anti-entropy pull from the named peer rather than waiting for the
// gossiper's next scheduled cycle.
func (h *Handler) RequestSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, bankerr.Wrap(bankerr.KindBadParameters, "decode request", err))
		return
	}
	if req.Peer == "" {
		writeError(w, bankerr.New(bankerr.KindBadParameters, "peer is required"))
		return
	}
	if h.gossiper == nil {
		writeError(w, bankerr.New(bankerr.KindStorageUnavailable, "gossip layer not configured"))
		return
	}
	if err := h.gossiper.PullSnapshot(r.Context(), req.Peer); err != nil {
		h.log.Warn("on-demand snapshot pull failed", zap.String("peer", req.Peer), zap.Error(err))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
