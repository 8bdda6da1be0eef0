// Package learner implements the adaptive learner of spec §4.3: it
// turns a query into a strategy recommendation and keeps per-strategy
// statistics current by delegating writes to the pattern store. The
// learner holds no cached per-strategy state of its own — ownership
// flows one way, store -> learner (spec §9's cyclic-reference note),
// which is what keeps it trivially consistent across restarts. This
// generalizes the teacher's MetaLearner/PrototypicalRouter weighted
// scoring (internal/memory/meta_learner.go) into the exact formula
// spec §4.3 pins, dropping the MAML gradient machinery the spec has
// no use for.
package learner

import (
	"context"
	"math"
	"sort"

	"reasoningbank/pkg/bankerr"
	"reasoningbank/pkg/types"
)

// Store is the subset of the pattern store the learner depends on.
type Store interface {
	Insert(ctx context.Context, p types.Pattern) (types.PatternID, error)
	AttachOutcome(ctx context.Context, id types.PatternID, outcome types.Outcome) error
	QuerySimilar(ctx context.Context, embedding []float32, filter types.Filter, k int) ([]types.Scored, error)
	StrategyStats(ctx context.Context, context string) ([]types.StrategyStats, error)
}

// Config holds the recommend-time defaults of spec §6.4.
type Config struct {
	K              int     // default neighbor count
	MinSimilarity  float32 // default similarity floor
	PriorOutcome   float64 // weight applied to patterns without outcomes
	Alpha          float64 // risk aversion between per-strategy score and mass
	Tau            float64 // confidence sigmoid midpoint
	Sigma          float64 // confidence sigmoid scale
	SupportCap     int     // cap on supporting_pattern_ids, defaults to K
	DefaultForAny  string  // default_for(context) policy (spec §9): fixed global default
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		K:             8,
		MinSimilarity: 0.5,
		PriorOutcome:  0.25,
		Alpha:         0.3,
		Tau:           1.0,
		Sigma:         1.0,
		SupportCap:    8,
		DefaultForAny: "noop",
	}
}

// Learner computes recommendations and relays observations to Store.
type Learner struct {
	store  Store
	cfg    Config
	metric types.Metric
}

// New creates a Learner backed by store.
func New(store Store, cfg Config, metric types.Metric) *Learner {
	if cfg.K == 0 {
		cfg.K = DefaultConfig().K
	}
	if cfg.SupportCap == 0 {
		cfg.SupportCap = cfg.K
	}
	if cfg.DefaultForAny == "" {
		cfg.DefaultForAny = "noop"
	}
	return &Learner{store: store, cfg: cfg, metric: metric}
}

// Query is the input to Recommend (spec §4.3).
type Query struct {
	Task          string
	Context       string
	Embedding     []float32
	K             int // only meaningful when HasK is set; K=0 is a valid "no neighbors" request
	HasK          bool
	MinSimilarity float32 // only meaningful when HasMinSim is set; 0 is a valid floor
	HasMinSim     bool
}

// Recommend runs the §4.3 algorithm.
func (l *Learner) Recommend(ctx context.Context, q Query) (types.Recommendation, error) {
	k := l.cfg.K
	if q.HasK {
		k = q.K
	}
	minSim := l.cfg.MinSimilarity
	if q.HasMinSim {
		minSim = q.MinSimilarity
	}

	if k == 0 {
		return emptyRecommendation(l.cfg.DefaultForAny), nil
	}

	filter := types.Filter{}
	if q.Context != "" {
		filter.Context = q.Context
	}

	neighbors, err := l.store.QuerySimilar(ctx, q.Embedding, filter, k)
	if err != nil {
		return types.Recommendation{}, err
	}

	filtered := neighbors[:0:0]
	for _, n := range neighbors {
		if n.Similarity >= minSim {
			filtered = append(filtered, n)
		}
	}

	if len(filtered) == 0 {
		return emptyRecommendation(l.cfg.DefaultForAny), nil
	}

	groups := make(map[string][]types.Scored)
	for _, n := range filtered {
		groups[n.Pattern.Strategy] = append(groups[n.Pattern.Strategy], n)
	}

	type groupScore struct {
		strategy    string
		score       float64
		denominator float64
		numerator   float64
	}

	var totalDenominator float64
	gs := make([]groupScore, 0, len(groups))
	for strategy, members := range groups {
		var numerator, denominator float64
		for _, m := range members {
			w := weight(m, l.cfg.PriorOutcome)
			numerator += w * successIndicator(m, l.cfg.PriorOutcome)
			denominator += w
		}
		score := numerator / math.Max(denominator, 1e-9)
		gs = append(gs, groupScore{strategy: strategy, score: score, denominator: denominator, numerator: numerator})
		totalDenominator += denominator
	}

	globalStats, _ := l.store.StrategyStats(ctx, q.Context)
	countOf := make(map[string]int64)
	for _, st := range globalStats {
		countOf[st.Strategy] = st.Count
	}

	sort.Slice(gs, func(i, j int) bool { return gs[i].strategy < gs[j].strategy }) // deterministic base order before ranking

	var best groupScore
	var bestObjective float64
	haveBest := false
	for _, g := range gs {
		mass := 0.0
		if totalDenominator > 0 {
			mass = g.denominator / totalDenominator
		}
		objective := g.score * (l.cfg.Alpha + (1-l.cfg.Alpha)*mass)
		if !haveBest ||
			objective > bestObjective ||
			(objective == bestObjective && countOf[g.strategy] > countOf[best.strategy]) ||
			(objective == bestObjective && countOf[g.strategy] == countOf[best.strategy] && g.strategy < best.strategy) {
			best = g
			bestObjective = objective
			haveBest = true
		}
	}

	confidence := best.score * sigmoid((best.denominator-l.cfg.Tau)/l.cfg.Sigma)
	confidence = clamp01(confidence)

	supporting := groups[best.strategy]
	sort.Slice(supporting, func(i, j int) bool {
		wi := weight(supporting[i], l.cfg.PriorOutcome)
		wj := weight(supporting[j], l.cfg.PriorOutcome)
		if wi != wj {
			return wi > wj
		}
		return supporting[i].Pattern.ID < supporting[j].Pattern.ID
	})
	if len(supporting) > l.cfg.SupportCap {
		supporting = supporting[:l.cfg.SupportCap]
	}

	ids := make([]types.PatternID, 0, len(supporting))
	var minS, maxS, sumS float32
	minS = 1
	maxS = -1
	for _, s := range supporting {
		ids = append(ids, s.Pattern.ID)
		if s.Similarity < minS {
			minS = s.Similarity
		}
		if s.Similarity > maxS {
			maxS = s.Similarity
		}
		sumS += s.Similarity
	}
	var meanS float32
	if len(supporting) > 0 {
		meanS = sumS / float32(len(supporting))
	} else {
		minS, maxS = 0, 0
	}

	return types.Recommendation{
		Strategy:             best.strategy,
		Confidence:           confidence,
		SupportingPatternIDs: ids,
		RationaleSummary:     rationale(best.strategy, len(filtered), len(groups)),
		SimilarityDistribution: types.SimilarityDistribution{
			Min: minS, Mean: meanS, Max: maxS,
		},
	}, nil
}

func emptyRecommendation(defaultStrategy string) types.Recommendation {
	return types.Recommendation{
		Strategy:             defaultStrategy,
		Confidence:           0,
		SupportingPatternIDs: nil,
		RationaleSummary:     "no supporting patterns above the similarity floor",
	}
}

func weight(s types.Scored, prior float64) float64 {
	sim := math.Max(0, float64(s.Similarity))
	outcomeWeight := prior
	if s.Pattern.Outcome != nil {
		outcomeWeight = s.Pattern.Outcome.Score
	}
	return sim * outcomeWeight
}

func successIndicator(s types.Scored, prior float64) float64 {
	o := s.Pattern.Outcome
	switch {
	case o == nil:
		return prior / 2
	case o.Success:
		return 1
	default:
		return o.Score
	}
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func rationale(strategy string, nNeighbors, nGroups int) string {
	return strategy + " chosen from " + itoa(nNeighbors) + " neighbor(s) across " + itoa(nGroups) + " strateg(y/ies)"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Observe inserts a pattern-with-outcome (or attaches an outcome to an
// existing pattern), causing statistics to update in the store. The
// learner caches nothing beyond this call.
func (l *Learner) Observe(ctx context.Context, p types.Pattern) (types.PatternID, error) {
	if p.Outcome == nil {
		return "", bankerr.New(bankerr.KindBadParameters, "observe requires an outcome")
	}
	return l.store.Insert(ctx, p)
}
