package shapley

import (
	"errors"
	"math"

	"github.com/malbeclabs/contributor-rewards/pkg/dataprep"
)

// ValueFunc is the characteristic function of the cooperative game: it maps
// a coalition of contributors to the network output value achievable by that
// subset alone. Implementations must be pure (no I/O, no mutation) and
// should be monotonic non-decreasing: adding a contributor cannot decrease
// achievable output. Implementations that deviate from monotonicity must
// document it.
type ValueFunc interface {
	Value(coalition []dataprep.ContributorRecord) float64
}

// ConcaveCapacity is the default characteristic function: each contributor
// provides a capacity equal to the weighted sum of its metric columns, and
// the coalition's value is the pooled capacity raised to a concave exponent.
// The concavity models diminishing returns: extra capacity in a
// well-provisioned network is worth less than the first capacity in an
// empty one. Monotonic non-decreasing for non-negative metrics.
type ConcaveCapacity struct {
	// ColumnWeights weights each metric column of the table. Nil means
	// uniform weights of 1.
	ColumnWeights []float64

	// Exponent must be in (0, 1]. 1 means linear pooling.
	Exponent float64
}

func (c *ConcaveCapacity) Validate() error {
	if c.Exponent <= 0 || c.Exponent > 1 {
		return errors.New("exponent must be in (0, 1]")
	}
	for _, w := range c.ColumnWeights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return errors.New("column weights must be finite and non-negative")
		}
	}
	return nil
}

func (c *ConcaveCapacity) Value(coalition []dataprep.ContributorRecord) float64 {
	var pooled float64
	for _, r := range coalition {
		var capacity float64
		for j, m := range r.Metrics {
			w := 1.0
			if j < len(c.ColumnWeights) {
				w = c.ColumnWeights[j]
			}
			capacity += w * m
		}
		pooled += capacity
	}
	if pooled <= 0 {
		return 0
	}
	if c.Exponent == 1 {
		return pooled
	}
	return math.Pow(pooled, c.Exponent)
}

// ColumnSubset wraps a ValueFunc so it only sees a subset of metric columns.
// Used by the handler to run one estimation per metric category.
type ColumnSubset struct {
	Columns []int
	Inner   ValueFunc
}

func (s *ColumnSubset) Value(coalition []dataprep.ContributorRecord) float64 {
	restricted := make([]dataprep.ContributorRecord, len(coalition))
	for i, r := range coalition {
		metrics := make([]float64, len(s.Columns))
		for j, col := range s.Columns {
			if col >= 0 && col < len(r.Metrics) {
				metrics[j] = r.Metrics[col]
			}
		}
		restricted[i] = dataprep.ContributorRecord{Key: r.Key, Metrics: metrics}
	}
	return s.Inner.Value(restricted)
}
