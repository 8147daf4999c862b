package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/nranjan2code/sutra-engine-sub008/internal/fs"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// Sharded spreads vectors over K independent indexes selected by id hash,
// so concurrent writers contend on K locks instead of one.
type Sharded struct {
	shards []*Index
}

// NewSharded creates k empty sub-indexes with opts.
func NewSharded(k int, opts Options) (*Sharded, error) {
	k = max(k, 1)
	s := &Sharded{shards: make([]*Index, k)}
	for i := range s.shards {
		o := opts
		o.Seed = opts.Seed + int64(i)
		x, err := New(o)
		if err != nil {
			return nil, err
		}
		s.shards[i] = x
	}
	return s, nil
}

// ShardFileName returns the file of sub-index i out of k.
func ShardFileName(i, k int) string {
	if k <= 1 {
		return FileName
	}
	return fmt.Sprintf("%s.%d", FileName, i)
}

// LoadSharded maps k sub-index files from dir. A missing file is reported
// as os.ErrNotExist.
func LoadSharded(dir string, k int) (*Sharded, error) {
	k = max(k, 1)
	s := &Sharded{shards: make([]*Index, 0, k)}
	for i := 0; i < k; i++ {
		x, err := Load(filepath.Join(dir, ShardFileName(i, k)))
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.shards = append(s.shards, x)
	}
	dim := s.shards[0].Dimension()
	for _, x := range s.shards[1:] {
		if x.Dimension() != dim {
			_ = s.Close()
			return nil, fmt.Errorf("%w: sub-index dimensions differ", ErrInvalidFile)
		}
	}
	return s, nil
}

func (s *Sharded) shard(id model.ConceptID) *Index {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	return s.shards[murmur3.Sum64(id[:])%uint64(len(s.shards))]
}

// Dimension returns the vector dimension.
func (s *Sharded) Dimension() int { return s.shards[0].Dimension() }

// Insert adds or replaces the vector for id.
func (s *Sharded) Insert(id model.ConceptID, vec []float32) error {
	return s.shard(id).Insert(id, vec)
}

// Delete tombstones id.
func (s *Sharded) Delete(id model.ConceptID) error {
	return s.shard(id).Delete(id)
}

// Contains reports whether id has a live vector.
func (s *Sharded) Contains(id model.ConceptID) bool { return s.shard(id).Contains(id) }

// Search queries every sub-index in parallel and merges the k best.
func (s *Sharded) Search(ctx context.Context, q []float32, k, ef int) ([]Result, error) {
	if len(s.shards) == 1 {
		return s.shards[0].Search(ctx, q, k, ef)
	}
	parts := make([][]Result, len(s.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, x := range s.shards {
		g.Go(func() error {
			res, err := x.Search(gctx, q, k, ef)
			parts[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := slices.Concat(parts...)
	slices.SortFunc(out, compareResults)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SetCheckpoint records seq on every sub-index.
func (s *Sharded) SetCheckpoint(seq uint64) {
	for _, x := range s.shards {
		x.SetCheckpoint(seq)
	}
}

// Checkpoint returns the lowest checkpoint across sub-indexes.
func (s *Sharded) Checkpoint() uint64 {
	cp := s.shards[0].Checkpoint()
	for _, x := range s.shards[1:] {
		cp = min(cp, x.Checkpoint())
	}
	return cp
}

// MarkRebuilt flags every sub-index as rebuilt.
func (s *Sharded) MarkRebuilt() {
	for _, x := range s.shards {
		x.MarkRebuilt()
	}
}

// Stats sums the sub-index counters.
func (s *Sharded) Stats() Stats {
	out := s.shards[0].Stats()
	for _, x := range s.shards[1:] {
		st := x.Stats()
		out.Vectors += st.Vectors
		out.Deleted += st.Deleted
		out.MaxLevel = max(out.MaxLevel, st.MaxLevel)
		out.Checkpoint = min(out.Checkpoint, st.Checkpoint)
		out.Loaded = out.Loaded && st.Loaded
		out.Rebuilt = out.Rebuilt || st.Rebuilt
	}
	return out
}

// Save writes every sub-index into dir.
func (s *Sharded) Save(fsys fs.FileSystem, dir string) error {
	for i, x := range s.shards {
		if err := x.Save(fsys, filepath.Join(dir, ShardFileName(i, len(s.shards)))); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every sub-index.
func (s *Sharded) Close() error {
	var result *multierror.Error
	for _, x := range s.shards {
		if err := x.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// IsNotExist reports whether err means the index files are absent.
func IsNotExist(err error) bool { return errors.Is(err, os.ErrNotExist) }
