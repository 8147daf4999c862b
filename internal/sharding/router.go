package sharding

import (
	"github.com/spaolacci/murmur3"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// Router maps concept ids to shards with murmur3 modulo the shard count.
type Router struct {
	n uint64
}

// NewRouter creates a router over n shards. n < 1 is treated as 1.
func NewRouter(n int) *Router {
	return &Router{n: uint64(max(n, 1))}
}

// Shards returns the shard count.
func (r *Router) Shards() int { return int(r.n) }

// ShardFor returns the shard owning id.
func (r *Router) ShardFor(id model.ConceptID) int {
	if r.n == 1 {
		return 0
	}
	return int(murmur3.Sum64(id[:]) % r.n)
}

// Owns returns a predicate reporting whether a concept belongs to shard.
func (r *Router) Owns(shard int) func(model.ConceptID) bool {
	return func(id model.ConceptID) bool { return r.ShardFor(id) == shard }
}

// SameShard reports whether both endpoints of an edge live on one shard.
func (r *Router) SameShard(a, b model.ConceptID) bool {
	return r.ShardFor(a) == r.ShardFor(b)
}
