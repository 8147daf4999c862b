// Package vectorindex implements a Hierarchical Navigable Small World graph
// over concept embeddings.
//
// # Features
//
//   - Incremental Insert and Delete; deletes are tombstones in a roaring
//     bitmap and the node stays in the graph for navigation
//   - Cosine (vectors normalized on insert, distance 1-dot) or L2
//   - Optional SQ8 codes for traversal with exact re-rank of the candidates
//   - Save writes one file; Load maps it and references vectors in place,
//     so a saved index is never rebuilt
//   - Sharded spreads writes over K sub-indexes chosen by id hash
//
// # Parameters
//
//   - M: links per node per layer, 2*M on layer 0 (default: 16)
//   - EfConstruction: candidate list size during insert (default: 200)
//   - EfSearch: candidate list size during search (default: 64, at least k)
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package vectorindex
