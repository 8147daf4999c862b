// Package model defines the public data types of the graph store:
// concepts (nodes), associations (directed, typed edges), and the result
// types returned by neighbor, path and vector queries.
package model
