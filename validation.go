package sutra

import (
	"math"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// ValidationLimits defines bounds for input validation.
// Every write is checked against them before it reaches a write log.
type ValidationLimits struct {
	MaxContentBytes int `yaml:"max_content_bytes"` // Max concept content size (default: 1MB)
	MaxDimension    int `yaml:"max_dimension"`     // Max vector dimension (default: 65536)
	MaxK            int `yaml:"max_k"`             // Max search results (default: 10000)
	MaxPathDepth    int `yaml:"max_path_depth"`    // Max path length in edges (default: 32)
}

// DefaultLimits returns safe production defaults.
func DefaultLimits() ValidationLimits {
	return ValidationLimits{
		MaxContentBytes: 1 << 20,
		MaxDimension:    65536,
		MaxK:            10000,
		MaxPathDepth:    32,
	}
}

// ConceptInput is the payload of LearnConcept.
type ConceptInput struct {
	ID      model.ConceptID
	Content []byte
	// Embedding must have the configured dimension, or be empty.
	Embedding  []float32
	Strength   float32
	Confidence float32
}

type validator struct {
	dimension int
	cosine    bool // zero vectors cannot be normalized
	limits    ValidationLimits
}

func (v validator) concept(in *ConceptInput) error {
	if err := v.id("id", in.ID); err != nil {
		return err
	}
	if len(in.Content) > v.limits.MaxContentBytes {
		return invalid("content", "%d bytes exceeds limit %d", len(in.Content), v.limits.MaxContentBytes)
	}
	if err := unit("strength", in.Strength); err != nil {
		return err
	}
	if err := unit("confidence", in.Confidence); err != nil {
		return err
	}
	if len(in.Embedding) == 0 {
		return nil
	}
	return v.vector("embedding", in.Embedding)
}

func (v validator) association(a *model.Association) error {
	if err := v.id("source", a.Source); err != nil {
		return err
	}
	if err := v.id("target", a.Target); err != nil {
		return err
	}
	if a.Source == a.Target {
		return invalid("target", "self-association of %s", a.Source)
	}
	if !a.Type.Valid() {
		return invalid("type", "unknown association type %d", uint8(a.Type))
	}
	if err := unit("confidence", a.Confidence); err != nil {
		return err
	}
	return unit("weight", a.Weight)
}

func (v validator) search(query []float32, k int) error {
	if v.dimension == 0 {
		return invalid("query", "vector search is disabled without a dimension")
	}
	if k <= 0 {
		return invalid("k", "must be positive, got %d", k)
	}
	if k > v.limits.MaxK {
		return invalid("k", "%d exceeds limit %d", k, v.limits.MaxK)
	}
	return v.vector("query", query)
}

func (v validator) path(from, to model.ConceptID, depth int) error {
	if err := v.id("from", from); err != nil {
		return err
	}
	if err := v.id("to", to); err != nil {
		return err
	}
	if depth <= 0 || depth > v.limits.MaxPathDepth {
		return invalid("max_depth", "must be in [1, %d], got %d", v.limits.MaxPathDepth, depth)
	}
	return nil
}

func (v validator) id(field string, id model.ConceptID) error {
	if id.IsZero() {
		return invalid(field, "zero concept id")
	}
	return nil
}

func (v validator) vector(field string, vec []float32) error {
	if v.dimension == 0 {
		return invalid(field, "embeddings are disabled without a dimension")
	}
	if len(vec) != v.dimension {
		return invalid(field, "dimension mismatch: expected %d, got %d", v.dimension, len(vec))
	}
	var norm float64
	for i, x := range vec {
		f := float64(x)
		if math.IsNaN(f) {
			return invalid(field, "element %d is NaN", i)
		}
		if math.IsInf(f, 0) {
			return invalid(field, "element %d is Inf", i)
		}
		norm += f * f
	}
	if norm == 0 && v.cosine {
		return invalid(field, "zero vector")
	}
	return nil
}

func unit(field string, x float32) error {
	if math.IsNaN(float64(x)) || x < 0 || x > 1 {
		return invalid(field, "%v outside [0, 1]", x)
	}
	return nil
}
