// Package testutil provides testing utilities for the engine.
//
// This package is intended for use in tests and benchmarks only.
// It provides helpers for generating deterministic concept ids and
// embeddings, computing exact nearest neighbors, and verifying search recall.
//
// # Random Vector Generation
//
//	rng := testutil.NewRNG(seed)
//	vecs := rng.UnitVectors(1000, 384)
//	ids := testutil.ConceptIDs(1000)
//
// # Exact Search (Ground Truth)
//
//	truth := testutil.ExactTopK(query, ids, vecs, k, testutil.Cosine)
//
// # Recall Verification
//
//	recall := testutil.ComputeRecall(truth, approx)
package testutil
