package vectorindex

import (
	"context"
	"math"
	"math/rand"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"

	"github.com/nranjan2code/sutra-engine-sub008/internal/mmap"
	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// ctxCheckEvery bounds how many expansions run between context checks.
const ctxCheckEvery = 64

// Stats describes an index.
type Stats struct {
	Vectors    int
	Deleted    int
	Dimension  int
	MaxLevel   int
	Checkpoint uint64
	// Loaded is true when the graph came from a saved file.
	Loaded bool
	// Rebuilt is true when the graph was rebuilt from vectors instead of
	// loaded; Load never sets it.
	Rebuilt bool
}

// Index is an HNSW graph keyed by concept id. A single RWMutex guards it:
// searches share the read lock, inserts and deletes take the write lock.
type Index struct {
	mu   sync.RWMutex
	opts Options
	dist distanceFunc

	ids     []model.ConceptID
	lookup  map[model.ConceptID]uint32
	vectors [][]float32
	codes   []sq8
	levels  []uint8
	links   [][][]uint32
	deleted *roaring.Bitmap

	entry    int64
	maxLevel int
	rng      *rand.Rand
	levelMul float64

	checkpoint uint64
	mapping    *mmap.Mapping
	loaded     bool
	rebuilt    bool
	closed     bool
}

// New creates an empty index.
func New(opts Options) (*Index, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return newIndex(opts), nil
}

func newIndex(opts Options) *Index {
	return &Index{
		opts:     opts,
		dist:     newDistance(opts.Metric),
		lookup:   make(map[model.ConceptID]uint32),
		deleted:  roaring.New(),
		entry:    -1,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		levelMul: 1 / math.Log(float64(opts.M)),
	}
}

// Options returns the index configuration.
func (x *Index) Options() Options { return x.opts }

// Dimension returns the vector dimension.
func (x *Index) Dimension() int { return x.opts.Dimension }

// Len returns the number of live vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.lookup)
}

// Contains reports whether id has a live vector.
func (x *Index) Contains(id model.ConceptID) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.lookup[id]
	return ok
}

// Checkpoint returns the sequence the index reflects, as set by SetCheckpoint
// or read by Load.
func (x *Index) Checkpoint() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.checkpoint
}

// SetCheckpoint records the highest sequence applied to the index.
func (x *Index) SetCheckpoint(seq uint64) {
	x.mu.Lock()
	x.checkpoint = seq
	x.mu.Unlock()
}

// MarkRebuilt flags an index populated from stored vectors rather than loaded.
func (x *Index) MarkRebuilt() {
	x.mu.Lock()
	x.rebuilt = true
	x.mu.Unlock()
}

// Stats returns a snapshot of the index counters.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return Stats{
		Vectors:    len(x.lookup),
		Deleted:    int(x.deleted.GetCardinality()),
		Dimension:  x.opts.Dimension,
		MaxLevel:   x.maxLevel,
		Checkpoint: x.checkpoint,
		Loaded:     x.loaded,
		Rebuilt:    x.rebuilt,
	}
}

// Vector returns a copy of the stored vector for id. Cosine indexes store
// unit vectors.
func (x *Index) Vector(id model.ConceptID) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, ok := x.lookup[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(x.vectors[n]), true
}

func (x *Index) prepare(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, ErrEmptyVector
	}
	if len(v) != x.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: x.opts.Dimension, Actual: len(v)}
	}
	if x.opts.Metric == MetricCosine {
		u, ok := normalized(v)
		if !ok {
			return nil, ErrZeroVector
		}
		return u, nil
	}
	return slices.Clone(v), nil
}

func (x *Index) randomLevel() int {
	r := x.rng.Float64()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return min(int(math.Floor(-math.Log(r)*x.levelMul)), math.MaxUint8)
}

func (x *Index) maxConns(level int) int {
	if level == 0 {
		return 2 * x.opts.M
	}
	return x.opts.M
}

// Insert adds or replaces the vector for id.
func (x *Index) Insert(id model.ConceptID, vec []float32) error {
	v, err := x.prepare(vec)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}

	if old, ok := x.lookup[id]; ok {
		x.deleted.Add(old)
	}

	node := uint32(len(x.ids))
	level := x.randomLevel()
	x.ids = append(x.ids, id)
	x.vectors = append(x.vectors, v)
	x.levels = append(x.levels, uint8(level))
	x.links = append(x.links, make([][]uint32, level+1))
	if x.opts.Quantize {
		x.codes = append(x.codes, encodeSQ8(v))
	}
	x.lookup[id] = node

	if x.entry < 0 {
		x.entry = int64(node)
		x.maxLevel = level
		return nil
	}

	x.link(node, v, level)
	if level > x.maxLevel {
		x.maxLevel = level
		x.entry = int64(node)
	}
	return nil
}

func (x *Index) link(node uint32, v []float32, level int) {
	cur := uint32(x.entry)
	curDist := x.dist(v, x.vectors[cur])
	for l := x.maxLevel; l > level; l-- {
		cur, curDist = x.greedy(v, cur, curDist, l, false)
	}

	visited := bitset.New(uint(len(x.ids)))
	for l := min(level, x.maxLevel); l >= 0; l-- {
		cands := x.searchLayer(context.Background(), v, cur, curDist, l, x.opts.EfConstruction, visited, false)
		neighbors := x.selectNeighbors(cands, x.opts.M)

		conns := make([]uint32, len(neighbors), x.maxConns(l)+1)
		for i, n := range neighbors {
			conns[i] = n.node
		}
		x.links[node][l] = conns

		for _, n := range neighbors {
			x.addLink(n.node, node, l)
		}
		cur, curDist = cands[0].node, cands[0].dist
	}
}

// addLink connects src to dst on level and prunes src's list when it
// overflows.
func (x *Index) addLink(src, dst uint32, level int) {
	conns := append(x.links[src][level], dst)
	limit := x.maxConns(level)
	if len(conns) <= limit {
		x.links[src][level] = conns
		return
	}

	base := x.vectors[src]
	cands := make([]candidate, len(conns))
	for i, n := range conns {
		cands[i] = candidate{node: n, dist: x.dist(base, x.vectors[n])}
	}
	slices.SortFunc(cands, compareCandidates)
	kept := x.selectNeighbors(cands, limit)

	pruned := conns[:0]
	for _, c := range kept {
		pruned = append(pruned, c.node)
	}
	x.links[src][level] = pruned
}

// selectNeighbors applies the HNSW heuristic to cands sorted by distance: a
// candidate is kept only if it is closer to the base than to every kept
// neighbor, and the list is then filled up with the nearest skipped ones.
func (x *Index) selectNeighbors(cands []candidate, m int) []candidate {
	if len(cands) <= m {
		return slices.Clone(cands)
	}
	out := make([]candidate, 0, m)
	var skipped []candidate
	for _, c := range cands {
		if len(out) >= m {
			break
		}
		good := true
		for _, r := range out {
			if x.dist(x.vectors[c.node], x.vectors[r.node]) < c.dist {
				good = false
				break
			}
		}
		if good {
			out = append(out, c)
		} else {
			skipped = append(skipped, c)
		}
	}
	for _, c := range skipped {
		if len(out) >= m {
			break
		}
		out = append(out, c)
	}
	return out
}

func compareCandidates(a, b candidate) int {
	switch {
	case a.dist < b.dist:
		return -1
	case a.dist > b.dist:
		return 1
	case a.node < b.node:
		return -1
	case a.node > b.node:
		return 1
	}
	return 0
}

func (x *Index) distance(q []float32, node uint32, quantized bool) float32 {
	if quantized {
		return x.codes[node].distance(q, x.opts.Metric)
	}
	return x.dist(q, x.vectors[node])
}

func (x *Index) greedy(q []float32, cur uint32, curDist float32, level int, quantized bool) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, n := range x.links[cur][level] {
			if d := x.distance(q, n, quantized); d < curDist {
				cur, curDist, changed = n, d, true
			}
		}
	}
	return cur, curDist
}

// searchLayer returns up to ef nodes nearest to q on level, ascending.
// Tombstoned nodes are traversed and returned; callers filter them.
func (x *Index) searchLayer(ctx context.Context, q []float32, ep uint32, epDist float32, level, ef int, visited *bitset.BitSet, quantized bool) []candidate {
	visited.ClearAll()
	visited.Set(uint(ep))

	frontier := newQueue(false, ef)
	results := newQueue(true, ef+1)
	frontier.push(candidate{ep, epDist})
	results.push(candidate{ep, epDist})

	for steps := 0; frontier.Len() > 0; steps++ {
		if steps%ctxCheckEvery == ctxCheckEvery-1 && ctx.Err() != nil {
			break
		}
		c := frontier.pop()
		if results.Len() >= ef && c.dist > results.top().dist {
			break
		}
		for _, n := range x.links[c.node][level] {
			if visited.Test(uint(n)) {
				continue
			}
			visited.Set(uint(n))
			d := x.distance(q, n, quantized)
			if results.Len() < ef || d < results.top().dist {
				frontier.push(candidate{n, d})
				results.push(candidate{n, d})
				if results.Len() > ef {
					results.pop()
				}
			}
		}
	}
	return results.sorted()
}

// Delete tombstones id. Deleting an unknown id is a no-op.
func (x *Index) Delete(id model.ConceptID) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if n, ok := x.lookup[id]; ok {
		x.deleted.Add(n)
		delete(x.lookup, id)
	}
	return nil
}

// Result is one search hit.
type Result struct {
	ID       model.ConceptID
	Distance float32
}

// Search returns the k nearest live vectors to q in ascending distance. ef
// below k (or zero) falls back to max(EfSearch, k). It returns the context
// error when the deadline passes mid-search.
func (x *Index) Search(ctx context.Context, q []float32, k, ef int) ([]Result, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	query, err := x.prepare(q)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrClosed
	}
	if x.entry < 0 || len(x.lookup) == 0 {
		return nil, nil
	}

	if ef < k {
		ef = max(x.opts.EfSearch, k)
	}
	// Widen the beam to make room for tombstones it will skip.
	if del := int(x.deleted.GetCardinality()); del > 0 {
		ef += min(del, ef)
	}

	quantized := x.opts.Quantize && len(x.codes) == len(x.ids)
	ep := uint32(x.entry)
	epDist := x.distance(query, ep, quantized)
	for l := x.maxLevel; l > 0; l-- {
		ep, epDist = x.greedy(query, ep, epDist, l, quantized)
	}
	visited := bitset.New(uint(len(x.ids)))
	cands := x.searchLayer(ctx, query, ep, epDist, 0, ef, visited, quantized)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Result, 0, min(k, len(cands)))
	for _, c := range cands {
		if x.deleted.Contains(c.node) {
			continue
		}
		d := c.dist
		if quantized {
			d = x.dist(query, x.vectors[c.node])
		}
		out = append(out, Result{ID: x.ids[c.node], Distance: d})
	}
	if quantized {
		slices.SortFunc(out, compareResults)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func compareResults(a, b Result) int {
	switch {
	case a.Distance < b.Distance:
		return -1
	case a.Distance > b.Distance:
		return 1
	}
	return a.ID.Compare(b.ID)
}

// Close releases the file mapping of a loaded index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.vectors = nil
	if x.mapping != nil {
		return x.mapping.Close()
	}
	return nil
}
