package vectorindex

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyVector = errors.New("vectorindex: vector cannot be empty")
	ErrZeroVector  = errors.New("vectorindex: cannot normalize zero vector")
	ErrInvalidK    = errors.New("vectorindex: k must be positive")
	ErrClosed      = errors.New("vectorindex: closed")
	ErrInvalidFile = errors.New("vectorindex: invalid index file")
)

// ErrDimensionMismatch is returned when a vector does not match the index dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vectorindex: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Metric selects the distance function.
type Metric uint8

const (
	MetricCosine Metric = iota
	MetricL2
)

func (m Metric) String() string {
	switch m {
	case MetricCosine:
		return "cosine"
	case MetricL2:
		return "l2"
	}
	return fmt.Sprintf("Metric(%d)", uint8(m))
}

// ParseMetric parses "cosine" or "l2".
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(s) {
	case "", "cosine":
		return MetricCosine, nil
	case "l2", "euclidean":
		return MetricL2, nil
	}
	return 0, fmt.Errorf("vectorindex: unknown metric %q", s)
}

const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 64
	minimumM              = 2
)

// Options configures an index.
type Options struct {
	Dimension      int
	M              int
	EfConstruction int
	EfSearch       int
	Metric         Metric
	// Quantize keeps SQ8 codes next to the vectors and traverses on them.
	Quantize bool
	Seed     int64
}

// DefaultOptions returns options for a cosine index of dim dimensions.
func DefaultOptions(dim int) Options {
	return Options{
		Dimension:      dim,
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		Metric:         MetricCosine,
		Seed:           1,
	}
}

func (o *Options) normalize() error {
	if o.Dimension <= 0 {
		return fmt.Errorf("vectorindex: invalid dimension %d", o.Dimension)
	}
	if o.M < minimumM {
		o.M = minimumM
	}
	if o.EfConstruction < o.M {
		o.EfConstruction = max(o.M, DefaultEfConstruction)
	}
	if o.EfSearch <= 0 {
		o.EfSearch = DefaultEfSearch
	}
	if o.Metric > MetricL2 {
		return fmt.Errorf("vectorindex: unknown metric %d", o.Metric)
	}
	return nil
}
