package testutil

import (
	"fmt"
	"math/rand"
	"slices"
	"sync"

	"github.com/viterin/vek/vek32"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// RNG encapsulates a seeded random source. It is safe for concurrent use.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Float32 returns a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// ConceptID returns a random non-zero concept id.
func (r *RNG) ConceptID() model.ConceptID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id model.ConceptID
	for id.IsZero() {
		_, _ = r.rand.Read(id[:])
	}
	return id
}

// UnitVectors generates L2-normalized random vectors (uniform on the sphere).
// Uses a single backing array.
func (r *RNG) UnitVectors(num int, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)
	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions : (i+1)*dimensions]
		r.fillUnit(vec)
		vectors[i] = vec
	}
	return vectors
}

// UnitVector generates a single L2-normalized random vector.
func (r *RNG) UnitVector(dimensions int) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec := make([]float32, dimensions)
	r.fillUnit(vec)
	return vec
}

func (r *RNG) fillUnit(vec []float32) {
	for {
		for j := range vec {
			vec[j] = float32(r.rand.NormFloat64())
		}
		if n := vek32.Norm(vec); n > 0 {
			vek32.DivNumber_Inplace(vec, n)
			return
		}
	}
}

// ClusteredVectors generates vectors around random unit centroids.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	centroids := r.UnitVectors(clusters, dim)

	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([][]float32, num)
	for i := range num {
		c := centroids[i%clusters]
		vec := make([]float32, dim)
		for j := range dim {
			vec[j] = c[j] + float32(r.rand.NormFloat64())*spread
		}
		vectors[i] = vec
	}
	return vectors
}

// ConceptIDs returns ids 1..n in the big-endian low-bytes encoding.
func ConceptIDs(n int) []model.ConceptID {
	ids := make([]model.ConceptID, n)
	for i := range ids {
		ids[i] = model.ConceptIDFromUint64(uint64(i + 1))
	}
	return ids
}

// Content returns a deterministic content payload for concept i.
func Content(i int) []byte {
	return []byte(fmt.Sprintf("concept-%06d: the quick brown fox observes pattern %d", i, i%97))
}

// SearchResult represents a search result.
type SearchResult struct {
	ID       model.ConceptID
	Distance float32
}

// DistanceFunc measures two vectors.
type DistanceFunc func(a, b []float32) float32

// Cosine is 1 minus cosine similarity.
func Cosine(a, b []float32) float32 {
	na, nb := vek32.Norm(a), vek32.Norm(b)
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - vek32.Dot(a, b)/(na*nb)
}

// L2 is the Euclidean distance.
func L2(a, b []float32) float32 { return vek32.Distance(a, b) }

// ExactTopK scans every vector and returns the k nearest to query.
func ExactTopK(query []float32, ids []model.ConceptID, vectors [][]float32, k int, dist DistanceFunc) []SearchResult {
	out := make([]SearchResult, len(vectors))
	for i, v := range vectors {
		out[i] = SearchResult{ID: ids[i], Distance: dist(query, v)}
	}
	slices.SortFunc(out, func(a, b SearchResult) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return a.ID.Compare(b.ID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// ComputeRecall computes recall@k by comparing approximate ids against ground truth.
func ComputeRecall(groundTruth []SearchResult, approximate []model.ConceptID) float64 {
	if len(groundTruth) == 0 || len(approximate) == 0 {
		if len(groundTruth) == 0 && len(approximate) == 0 {
			return 1.0
		}
		return 0.0
	}

	k := min(len(approximate), len(groundTruth))
	truthSet := make(map[model.ConceptID]struct{}, k)
	for i := range k {
		truthSet[groundTruth[i].ID] = struct{}{}
	}

	hits := 0
	for _, id := range approximate[:k] {
		if _, ok := truthSet[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(k)
}
