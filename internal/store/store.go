// Package store implements the pattern store of spec §4.1: durable,
// concurrent, content-addressed storage of patterns and their
// outcomes with similarity-aware retrieval.
//
// Durability is provided by a WAL-mode modernc.org/sqlite database
// (spec §6.2). An in-memory cache mirrors committed rows for exact
// similarity scans; once the row count exceeds Config.ExactScanLimit,
// queries are narrowed with a philippgille/chromem-go approximate
// index before being re-scored against the exact kernel, preserving
// the monotonicity guarantee of spec §4.1.
package store

import (
	"context"
	"database/sql"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"reasoningbank/internal/similarity"
	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// Config configures a Store.
type Config struct {
	DataDir         string
	EmbeddingDim    int
	Metric          types.Metric
	ExactScanLimit  int     // row count above which the approximate index is consulted
	SimilarityFloor float32 // default similarity floor for query_similar
	MonotoneEpsilon float32 // ε tolerance for the monotonicity guarantee
}

// DefaultConfig returns sensible defaults matching spec §6.4.
func DefaultConfig(dataDir string, dim int) Config {
	return Config{
		DataDir:         dataDir,
		EmbeddingDim:    dim,
		Metric:          types.MetricCosine,
		ExactScanLimit:  5000,
		SimilarityFloor: 0,
		MonotoneEpsilon: 1e-6,
	}
}

// Store is the pattern store. Readers never observe a torn row: rows
// are replaced wholesale under the cache lock, never mutated in place.
type Store struct {
	cfg Config
	log *zap.Logger

	db *sql.DB

	mu    sync.RWMutex // protects cache + order + stats
	cache map[types.PatternID]*types.Pattern
	order []types.PatternID // insertion order, for iter_since

	stats map[string]*types.StrategyStats // key: context + "\x00" + strategy

	writeMu sync.Mutex // serializes writers (insert/attach_outcome)

	idx *approxIndex

	readOnly atomic.Bool
	seq      atomic.Uint64 // commit sequence, bumped on every successful write
}

// Open opens or creates a store rooted at cfg.DataDir.
func Open(cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, bankerr.Wrap(bankerr.KindStorageUnavailable, "create data dir", err)
	}
	db, err := openDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	idx, err := newApproxIndex("patterns")
	if err != nil {
		db.Close()
		return nil, bankerr.Wrap(bankerr.KindStorageUnavailable, "create similarity index", err)
	}

	s := &Store{
		cfg:   cfg,
		log:   log,
		db:    db,
		cache: make(map[types.PatternID]*types.Pattern),
		stats: make(map[string]*types.StrategyStats),
		idx:   idx,
	}

	rows, err := loadAll(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, p := range rows {
		s.cache[p.ID] = p
		s.order = append(s.order, p.ID)
		if err := s.idx.upsert(context.Background(), p); err != nil {
			log.Warn("rebuild similarity index entry", zap.String("id", string(p.ID)), zap.Error(err))
		}
		if p.Outcome != nil {
			s.recomputeStats(p.Context, p.Strategy)
		}
	}
	log.Info("store opened", zap.String("data_dir", cfg.DataDir), zap.Int("patterns", len(rows)))
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func statsKey(context, strategy string) string { return context + "\x00" + strategy }

// Insert persists pattern and returns its id. Reinserting an
// identical pattern (same derived id) is an idempotent no-op success
// (spec §5, §8.6). A pattern whose id is already present with
// different content fails with Duplicate: that happens when only the
// outcome differs (the derived id does not cover it) or when the
// caller supplied the id.
func (s *Store) Insert(ctx context.Context, p types.Pattern) (types.PatternID, error) {
	if s.readOnly.Load() {
		return "", bankerr.New(bankerr.KindCorrupt, "store is read-only")
	}
	if len(p.Embedding) != s.cfg.EmbeddingDim {
		return "", bankerr.New(bankerr.KindDimensionMismatch, "embedding length mismatch").
			WithDetail("want", s.cfg.EmbeddingDim).WithDetail("got", len(p.Embedding))
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Outcome != nil {
		p.Outcome.Clamp()
	}
	if p.ID == "" {
		p.ID = deriveID(&p)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	existing, ok := s.cache[p.ID]
	s.mu.RUnlock()
	if ok {
		if patternsEqual(existing, &p) {
			return p.ID, nil // idempotent
		}
		return "", bankerr.New(bankerr.KindDuplicate, "id already exists with different content").
			WithDetail("id", string(p.ID))
	}

	if err := insertRow(ctx, s.db, &p); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[p.ID] = &p
	s.order = append(s.order, p.ID)
	s.mu.Unlock()

	if err := s.idx.upsert(ctx, &p); err != nil {
		s.log.Warn("similarity index upsert failed", zap.Error(err))
	}

	if p.Outcome != nil {
		s.mu.Lock()
		s.recomputeStats(p.Context, p.Strategy)
		s.mu.Unlock()
	}
	s.seq.Add(1)

	return p.ID, nil
}

func patternsEqual(a, b *types.Pattern) bool {
	if a.Task != b.Task || a.Context != b.Context || a.Strategy != b.Strategy {
		return false
	}
	if len(a.Embedding) != len(b.Embedding) {
		return false
	}
	for i := range a.Embedding {
		if a.Embedding[i] != b.Embedding[i] {
			return false
		}
	}
	if (a.Outcome == nil) != (b.Outcome == nil) {
		return false
	}
	if a.Outcome != nil && *a.Outcome != *b.Outcome {
		return false
	}
	return true
}

// Get retrieves a pattern by id.
func (s *Store) Get(ctx context.Context, id types.PatternID) (types.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.cache[id]
	if !ok {
		return types.Pattern{}, bankerr.New(bankerr.KindNotFound, "pattern not found").WithDetail("id", string(id))
	}
	return *p, nil
}

// AttachOutcome attaches an outcome to a previously-committed pattern.
// Fails with NotFound or AlreadySet, per spec §4.1 and §8.7.
func (s *Store) AttachOutcome(ctx context.Context, id types.PatternID, outcome types.Outcome) error {
	if s.readOnly.Load() {
		return bankerr.New(bankerr.KindCorrupt, "store is read-only")
	}
	outcome.Clamp()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	existing, ok := s.cache[id]
	s.mu.RUnlock()
	if !ok {
		return bankerr.New(bankerr.KindNotFound, "pattern not found").WithDetail("id", string(id))
	}
	if existing.Outcome != nil {
		return bankerr.New(bankerr.KindAlreadySet, "outcome already attached").WithDetail("id", string(id))
	}

	if err := attachOutcomeRow(ctx, s.db, id, &outcome); err != nil {
		return err
	}

	updated := *existing
	updated.Outcome = &outcome
	s.mu.Lock()
	s.cache[id] = &updated
	s.recomputeStats(updated.Context, updated.Strategy)
	s.mu.Unlock()
	s.seq.Add(1)
	return nil
}

// recomputeStats recomputes the derived (context,strategy) row from
// the current in-memory cache. Caller must hold s.mu (write lock).
func (s *Store) recomputeStats(contextTag, strategy string) {
	var count int64
	var successes int64
	var scoreSum float64
	var lastUpdated time.Time

	for _, p := range s.cache {
		if p.Context != contextTag || p.Strategy != strategy || p.Outcome == nil {
			continue
		}
		count++
		if p.Outcome.Success {
			successes++
		}
		scoreSum += p.Outcome.Score
		if p.CreatedAt.After(lastUpdated) {
			lastUpdated = p.CreatedAt
		}
	}

	if count == 0 {
		delete(s.stats, statsKey(contextTag, strategy))
		return
	}

	s.stats[statsKey(contextTag, strategy)] = &types.StrategyStats{
		Context:     contextTag,
		Strategy:    strategy,
		Count:       count,
		SuccessRate: float64(successes) / float64(count),
		MeanScore:   scoreSum / float64(count),
		LastUpdated: lastUpdated,
	}
}

// StrategyStats returns a snapshot of all strategy rows for a context.
func (s *Store) StrategyStats(ctx context.Context, contextTag string) ([]types.StrategyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.StrategyStats
	for _, st := range s.stats {
		if st.Context == contextTag {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out, nil
}

// AllStrategyStats returns a snapshot of every strategy row across all
// contexts, sorted by context then strategy. Used by the snapshot
// stream's anti-entropy bootstrap (spec §4.7), where a peer starting
// from since_timestamp=0 needs the full stats table, not one context's
// slice.
func (s *Store) AllStrategyStats(ctx context.Context) ([]types.StrategyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.StrategyStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Context != out[j].Context {
			return out[i].Context < out[j].Context
		}
		return out[i].Strategy < out[j].Strategy
	})
	return out, nil
}

// QuerySimilar returns up to k patterns whose similarity to embedding
// is at least the configured floor, sorted by similarity descending, ties
// broken by newer created_at then lexicographic id (spec §4.1).
func (s *Store) QuerySimilar(ctx context.Context, embedding []float32, filter types.Filter, k int) ([]types.Scored, error) {
	if len(embedding) != s.cfg.EmbeddingDim {
		return nil, bankerr.New(bankerr.KindDimensionMismatch, "embedding length mismatch").
			WithDetail("want", s.cfg.EmbeddingDim).WithDetail("got", len(embedding))
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	total := len(s.cache)
	candidates := make([]*types.Pattern, 0, total)

	if total > s.cfg.ExactScanLimit {
		s.mu.RUnlock()
		ids, err := s.idx.query(ctx, embedding, min(total, max(k*8, 64)))
		if err != nil {
			return nil, bankerr.Wrap(bankerr.KindStorageUnavailable, "approximate index query", err)
		}
		s.mu.RLock()
		for _, id := range ids {
			if p, ok := s.cache[types.PatternID(id)]; ok {
				candidates = append(candidates, p)
			}
		}
	} else {
		for _, p := range s.cache {
			candidates = append(candidates, p)
		}
	}
	s.mu.RUnlock()

	floor := s.cfg.SimilarityFloor
	scored := make([]types.Scored, 0, len(candidates))
	for _, p := range candidates {
		if !matchesFilter(p, filter) {
			continue
		}
		sim := similarity.Similarity(embedding, p.Embedding, s.cfg.Metric)
		if sim < floor {
			continue
		}
		scored = append(scored, types.Scored{Pattern: *p, Similarity: sim})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if !scored[i].Pattern.CreatedAt.Equal(scored[j].Pattern.CreatedAt) {
			return scored[i].Pattern.CreatedAt.After(scored[j].Pattern.CreatedAt)
		}
		return scored[i].Pattern.ID < scored[j].Pattern.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func matchesFilter(p *types.Pattern, f types.Filter) bool {
	if f.Context != "" && p.Context != f.Context {
		return false
	}
	if f.RequireOutcome && p.Outcome == nil {
		return false
	}
	if !f.Since.IsZero() && p.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && p.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// IterSince returns a finite, non-restartable channel of patterns
// committed at or after timestamp, in commit order. Used by snapshot
// and gossip (spec §4.1).
func (s *Store) IterSince(ctx context.Context, timestamp time.Time) <-chan types.Pattern {
	out := make(chan types.Pattern)

	s.mu.RLock()
	snapshot := make([]types.PatternID, len(s.order))
	copy(snapshot, s.order)
	s.mu.RUnlock()

	go func() {
		defer close(out)
		for _, id := range snapshot {
			s.mu.RLock()
			p, ok := s.cache[id]
			s.mu.RUnlock()
			if !ok || p.CreatedAt.Before(timestamp) {
				continue
			}
			select {
			case out <- *p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ReadOnly reports whether the store has entered read-only mode after
// detecting corruption.
func (s *Store) ReadOnly() bool { return s.readOnly.Load() }

// MarkCorrupt puts the store into permanent read-only mode. Called
// when a consistency check detects a Corrupt condition (spec §7).
func (s *Store) MarkCorrupt(reason string) {
	s.readOnly.Store(true)
	s.log.Error("store marked corrupt, entering read-only mode", zap.String("reason", reason))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
