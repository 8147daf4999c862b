package sutra

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/nranjan2code/sutra-engine-sub008/internal/vectorindex"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// QueryConcept returns the concept as of the latest reconciled snapshot.
func (db *DB) QueryConcept(id model.ConceptID) (*model.Concept, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if err := db.valid.id("id", id); err != nil {
		return nil, err
	}
	c, ok := db.shardOf(id).Snapshot().Concept(id)
	if !ok {
		return nil, fmt.Errorf("%w: concept %s", ErrNotFound, id)
	}
	return c.Clone(), nil
}

// GetNeighbors returns the edges of id in the given direction, ordered by
// neighbor id. Edges to concepts on other shards are included.
func (db *DB) GetNeighbors(id model.ConceptID, dir model.Direction) ([]model.Neighbor, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if err := db.valid.id("id", id); err != nil {
		return nil, err
	}
	if dir > model.Both {
		return nil, invalid("direction", "unknown direction %d", uint8(dir))
	}
	return db.shardOf(id).Snapshot().Neighbors(id, dir), nil
}

type searchOptions struct {
	ef int
}

// SearchOption configures VectorSearch.
type SearchOption func(*searchOptions)

// WithEf sets the HNSW candidate list size. Larger values trade latency for
// recall; values below k use the index default.
func WithEf(ef int) SearchOption {
	return func(o *searchOptions) {
		o.ef = ef
	}
}

// VectorSearch returns the k concepts whose embeddings are nearest to query,
// searching every shard in parallel. It returns ErrTimeout when ctx expires
// mid-search.
func (db *DB) VectorSearch(ctx context.Context, query []float32, k int, opts ...SearchOption) ([]model.SearchResult, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	if err := db.valid.search(query, k); err != nil {
		return nil, err
	}
	var so searchOptions
	for _, opt := range opts {
		opt(&so)
	}

	perShard := make([][]vectorindex.Result, len(db.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range db.shards {
		g.Go(func() error {
			res, err := e.Search(gctx, query, k, so.ef)
			if err != nil {
				return err
			}
			perShard[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = translateError(err)
		db.logger.LogSearch(ctx, k, 0, err)
		return nil, err
	}

	var merged []model.SearchResult
	for _, res := range perShard {
		for _, r := range res {
			merged = append(merged, model.SearchResult{ID: r.ID, Distance: r.Distance})
		}
	}
	slices.SortFunc(merged, func(a, b model.SearchResult) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	if len(merged) > k {
		merged = merged[:k]
	}
	db.logger.LogSearch(ctx, k, len(merged), nil)
	return merged, nil
}

// FindPath returns the shortest chain of outgoing edges from -> to with at
// most maxDepth edges. The search runs on the shard that owns from; it
// returns ErrNotSupported when every remaining route continues through a
// concept owned by another shard, and ErrNoPath when no route exists.
func (db *DB) FindPath(ctx context.Context, from, to model.ConceptID, maxDepth int) (model.Path, error) {
	if err := db.check(ctx); err != nil {
		return nil, err
	}
	if err := db.valid.path(from, to, maxDepth); err != nil {
		return nil, err
	}
	shard := db.router.ShardFor(from)
	path, err := db.shards[shard].Snapshot().FindPath(ctx, from, to, maxDepth, db.router.Owns(shard))
	return path, translateError(err)
}
