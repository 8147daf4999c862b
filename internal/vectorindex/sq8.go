package vectorindex

import (
	"math"
)

// sq8 is a per-vector scalar quantization: v[i] ~ min + scale*code[i].
type sq8 struct {
	min   float32
	scale float32
	code  []uint8
}

const sq8Header = 8

func encodeSQ8(v []float32) sq8 {
	lo, hi := v[0], v[0]
	for _, f := range v[1:] {
		lo = min(lo, f)
		hi = max(hi, f)
	}
	q := sq8{min: lo, code: make([]uint8, len(v))}
	if hi > lo {
		q.scale = (hi - lo) / 255
		inv := 1 / q.scale
		for i, f := range v {
			q.code[i] = uint8(math.Round(float64((f - lo) * inv)))
		}
	}
	return q
}

// distance approximates the metric between an exact query and the code.
func (q *sq8) distance(query []float32, m Metric) float32 {
	var acc float32
	if m == MetricL2 {
		for i, c := range q.code {
			d := query[i] - (q.min + q.scale*float32(c))
			acc += d * d
		}
		return float32(math.Sqrt(float64(acc)))
	}
	for i, c := range q.code {
		acc += query[i] * (q.min + q.scale*float32(c))
	}
	return 1 - acc
}
