package snapshot

import (
	"context"
	"errors"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

var (
	// ErrNoPath is returned when no path within the depth limit exists.
	ErrNoPath = errors.New("snapshot: no path")
	// ErrLeavesPartition is returned when the search could only continue
	// through concepts owned by another shard.
	ErrLeavesPartition = errors.New("snapshot: path leaves partition")
)

// FindPath runs a breadth-first search along outgoing edges and returns the
// shortest path from -> to with at most maxDepth edges. owns reports whether
// a concept belongs to this shard; foreign concepts are never expanded.
// A nil owns treats every concept as local.
func (s *Snapshot) FindPath(ctx context.Context, from, to model.ConceptID, maxDepth int, owns func(model.ConceptID) bool) (model.Path, error) {
	if from == to {
		return model.Path{from}, nil
	}
	if owns == nil {
		owns = func(model.ConceptID) bool { return true }
	}

	parent := map[model.ConceptID]model.ConceptID{from: from}
	frontier := []model.ConceptID{from}
	crossed := false

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []model.ConceptID
		for _, node := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			targets, ok := s.out.Get(node)
			if !ok {
				continue
			}
			itr := targets.Iterator()
			for !itr.Done() {
				target, _, _ := itr.Next()
				if _, seen := parent[target]; seen {
					continue
				}
				parent[target] = node
				if target == to {
					return buildPath(parent, from, to), nil
				}
				if !owns(target) {
					crossed = true
					continue
				}
				next = append(next, target)
			}
		}
		frontier = next
	}

	if crossed {
		return nil, ErrLeavesPartition
	}
	return nil, ErrNoPath
}

func buildPath(parent map[model.ConceptID]model.ConceptID, from, to model.ConceptID) model.Path {
	var rev model.Path
	for node := to; node != from; node = parent[node] {
		rev = append(rev, node)
	}
	rev = append(rev, from)
	path := make(model.Path, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path
}
