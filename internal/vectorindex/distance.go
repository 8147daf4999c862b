package vectorindex

import (
	"github.com/viterin/vek/vek32"
)

type distanceFunc func(a, b []float32) float32

func newDistance(m Metric) distanceFunc {
	if m == MetricL2 {
		return vek32.Distance
	}
	return cosineDistance
}

// cosineDistance expects unit vectors.
func cosineDistance(a, b []float32) float32 {
	return 1 - vek32.Dot(a, b)
}

// normalized returns a unit-length copy of v.
func normalized(v []float32) ([]float32, bool) {
	n := vek32.Norm(v)
	if n == 0 {
		return nil, false
	}
	return vek32.DivNumber(v, n), true
}
