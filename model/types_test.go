package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConceptIDParseAndString(t *testing.T) {
	id := ConceptIDFromUint64(1)
	assert.Equal(t, "00000000000000000000000000000001", id.String())

	parsed, err := ParseConceptID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseConceptID("abc")
	assert.Error(t, err)
	_, err = ParseConceptID("zz000000000000000000000000000001")
	assert.Error(t, err)
}

func TestConceptIDOrdering(t *testing.T) {
	a, b := ConceptIDFromUint64(1), ConceptIDFromUint64(256)
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Zero(t, a.Compare(a))
	assert.True(t, ConceptID{}.IsZero())
	assert.False(t, a.IsZero())

	k1 := EdgeKey{Source: a, Target: b}
	k2 := EdgeKey{Source: b, Target: a}
	assert.Negative(t, k1.Compare(k2))
}

func TestAssociationTypeValid(t *testing.T) {
	for typ := AssociationSemantic; typ <= AssociationCompositional; typ++ {
		assert.True(t, typ.Valid(), typ.String())
	}
	assert.False(t, AssociationType(5).Valid())
	assert.Equal(t, "AssociationType(9)", AssociationType(9).String())
}

func TestConceptCloneIsDeep(t *testing.T) {
	c := &Concept{Content: []byte("hello"), Embedding: []float32{1, 2}}
	cp := c.Clone()
	cp.Content[0] = 'j'
	cp.Embedding[0] = 9
	assert.Equal(t, "hello", string(c.Content))
	assert.Equal(t, float32(1), c.Embedding[0])

	var nilConcept *Concept
	assert.Nil(t, nilConcept.Clone())
}
