package segment

import (
	"slices"

	"github.com/nranjan2code/sutra-engine-sub008/model"
)

// Resolved is the last-write-wins view over a set of segments.
type Resolved struct {
	Concepts     map[model.ConceptID]ConceptRecord
	Associations map[model.EdgeKey]AssociationRecord
}

// Resolve folds readers, ordered oldest first, into one record per key.
// The record with the highest sequence wins; on equal sequences the later
// segment wins.
func Resolve(readers []*Reader) (*Resolved, error) {
	res := &Resolved{
		Concepts:     make(map[model.ConceptID]ConceptRecord),
		Associations: make(map[model.EdgeKey]AssociationRecord),
	}
	for _, r := range readers {
		err := r.Concepts(func(rec ConceptRecord) error {
			if prev, ok := res.Concepts[rec.Concept.ID]; !ok || rec.Concept.Sequence >= prev.Concept.Sequence {
				res.Concepts[rec.Concept.ID] = rec
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		err = r.Associations(func(rec AssociationRecord) error {
			key := rec.Association.Key()
			if prev, ok := res.Associations[key]; !ok || rec.Association.Sequence >= prev.Association.Sequence {
				res.Associations[key] = rec
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// SortedConcepts returns the resolved concept records ordered by id.
func (r *Resolved) SortedConcepts() []ConceptRecord {
	out := make([]ConceptRecord, 0, len(r.Concepts))
	for _, rec := range r.Concepts {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b ConceptRecord) int { return a.Concept.ID.Compare(b.Concept.ID) })
	return out
}

// SortedAssociations returns the resolved edge records ordered by key.
func (r *Resolved) SortedAssociations() []AssociationRecord {
	out := make([]AssociationRecord, 0, len(r.Associations))
	for _, rec := range r.Associations {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b AssociationRecord) int {
		return a.Association.Key().Compare(b.Association.Key())
	})
	return out
}

// Merge writes the resolved records into w in key order. Tombstones are
// only safe to drop when the merge covers every segment older than its
// inputs, otherwise they would resurrect shadowed records.
func Merge(res *Resolved, w *Writer, dropTombstones bool) error {
	for _, rec := range res.SortedConcepts() {
		if rec.Tombstone && dropTombstones {
			continue
		}
		c := rec.Concept
		if err := w.AddConcept(&c, rec.Tombstone); err != nil {
			return err
		}
	}
	for _, rec := range res.SortedAssociations() {
		if rec.Tombstone && dropTombstones {
			continue
		}
		a := rec.Association
		if err := w.AddAssociation(&a, rec.Half, rec.Tombstone); err != nil {
			return err
		}
	}
	return nil
}
