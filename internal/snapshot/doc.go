// Package snapshot holds the immutable graph state readers work against.
//
// A Snapshot is a set of persistent sorted maps (concepts, outgoing and
// incoming adjacency) that are never modified after publication. The
// reconciler derives the next snapshot with a Builder, which path-copies
// only the keys a batch touches and shares everything else with its base,
// then publishes it through a Cell. Readers Load the cell once and see one
// consistent sequence prefix for as long as they hold the pointer.
package snapshot
