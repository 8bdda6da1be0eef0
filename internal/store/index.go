package store

import (
	"context"
	"fmt"

	"github.com/philippgille/chromem-go"

	"reasoningbank/pkg/types"
)

// approxIndex is the approximate similarity index engaged once the
// store holds more rows than configured ExactScanLimit (spec §4.1: the
// store "is permitted ... to use an approximate index above a
// configurable row count" as long as query_similar stays monotone in
// score). Exact cosine ranking below the threshold is what keeps the
// monotonicity guarantee trivially true; chromem-go's own cosine
// implementation is used consistently with internal/similarity so the
// two never disagree on ordering at the boundary.
type approxIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// newApproxIndex builds an in-memory chromem-go collection. The
// embedding function is never invoked: every document and query
// supplies its embedding directly (spec Non-goal (a): embeddings are
// always caller-supplied or precomputed), so the function only guards
// against being called by mistake.
func newApproxIndex(name string) (*approxIndex, error) {
	db := chromem.NewDB()
	coll, err := db.CreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("reasoningbank: embeddings must be supplied directly, got text %q", text)
	})
	if err != nil {
		return nil, err
	}
	return &approxIndex{db: db, collection: coll}, nil
}

func (a *approxIndex) upsert(ctx context.Context, p *types.Pattern) error {
	return a.collection.AddDocument(ctx, chromem.Document{
		ID:        string(p.ID),
		Embedding: p.Embedding,
		Metadata: map[string]string{
			"context":  p.Context,
			"strategy": p.Strategy,
		},
	})
}

// query returns up to n candidate ids ranked by chromem-go's own
// cosine similarity. Callers re-score against the exact kernel before
// truncation, since chromem-go only supports cosine today and the
// store must also support euclidean_neg.
func (a *approxIndex) query(ctx context.Context, embedding []float32, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	count := a.collection.Count()
	if n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := a.collection.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	return ids, nil
}
