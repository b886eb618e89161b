package shapley_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contributor-rewards/pkg/dataprep"
	"github.com/malbeclabs/contributor-rewards/pkg/shapley"
	rewardstesting "github.com/malbeclabs/contributor-rewards/utils/pkg/testing"
)

func testKey(seed byte) solana.PublicKey {
	var b [32]byte
	for i := range b {
		b[i] = seed
	}
	return solana.PublicKeyFromBytes(b[:])
}

func testTable(t *testing.T, epoch uint64, metricRows ...[]float64) *dataprep.Table {
	t.Helper()
	records := make([]dataprep.ContributorRecord, len(metricRows))
	for i, m := range metricRows {
		records[i] = dataprep.ContributorRecord{
			Key:     testKey(byte(i + 1)),
			Metrics: m,
		}
	}
	return &dataprep.Table{
		Epoch:       epoch,
		MetricNames: []string{"uptime", "bandwidth"},
		Records:     records,
	}
}

func newEstimator(t *testing.T, samples int, seed uint64, workers int) *shapley.Estimator {
	t.Helper()
	e, err := shapley.NewEstimator(shapley.Config{
		Logger:  rewardstesting.NewLogger(),
		Samples: samples,
		Workers: workers,
		Seed:    seed,
	})
	require.NoError(t, err)
	return e
}

func linearValueFunc(t *testing.T) shapley.ValueFunc {
	t.Helper()
	vf := &shapley.ConcaveCapacity{Exponent: 1}
	require.NoError(t, vf.Validate())
	return vf
}

func TestShapley_SeedForEpoch_Deterministic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, shapley.SeedForEpoch(42), shapley.SeedForEpoch(42))
	assert.NotEqual(t, shapley.SeedForEpoch(42), shapley.SeedForEpoch(43))
}

func TestShapley_InsufficientData(t *testing.T) {
	t.Parallel()
	e := newEstimator(t, 100, 1, 0)

	_, err := e.Estimate(context.Background(), testTable(t, 1), linearValueFunc(t))
	require.ErrorIs(t, err, shapley.ErrInsufficientData)

	_, err = e.Estimate(context.Background(), testTable(t, 1, []float64{1, 2}), linearValueFunc(t))
	require.ErrorIs(t, err, shapley.ErrInsufficientData)
}

func TestShapley_LinearGameIsExact(t *testing.T) {
	t.Parallel()
	// For a linear (additive) characteristic function, the marginal
	// contribution of a contributor is the same at every position of every
	// permutation, so even a single sample recovers the exact value.
	e := newEstimator(t, 1, shapley.SeedForEpoch(1), 0)
	table := testTable(t, 1,
		[]float64{10, 0},
		[]float64{30, 0},
		[]float64{60, 0},
	)

	scores, err := e.Estimate(context.Background(), table, linearValueFunc(t))
	require.NoError(t, err)

	assert.InDelta(t, 10, scores[table.Records[0].Key], 1e-9)
	assert.InDelta(t, 30, scores[table.Records[1].Key], 1e-9)
	assert.InDelta(t, 60, scores[table.Records[2].Key], 1e-9)
}

func TestShapley_Deterministic(t *testing.T) {
	t.Parallel()
	table := testTable(t, 9,
		[]float64{5, 100},
		[]float64{3, 250},
		[]float64{8, 40},
		[]float64{1, 900},
	)
	vf := &shapley.ConcaveCapacity{Exponent: 0.75}
	require.NoError(t, vf.Validate())

	seed := shapley.SeedForEpoch(9)

	first, err := newEstimator(t, 500, seed, 4).Estimate(context.Background(), table, vf)
	require.NoError(t, err)
	second, err := newEstimator(t, 500, seed, 4).Estimate(context.Background(), table, vf)
	require.NoError(t, err)

	// Bit-identical, not just close: the reduction is ordered.
	assert.Equal(t, first, second)
}

func TestShapley_WorkerCountDoesNotChangeResult(t *testing.T) {
	t.Parallel()
	table := testTable(t, 3,
		[]float64{5, 100},
		[]float64{3, 250},
		[]float64{8, 40},
	)
	vf := &shapley.ConcaveCapacity{Exponent: 0.5}
	require.NoError(t, vf.Validate())

	seed := shapley.SeedForEpoch(3)

	serial, err := newEstimator(t, 200, seed, 1).Estimate(context.Background(), table, vf)
	require.NoError(t, err)
	parallel, err := newEstimator(t, 200, seed, 8).Estimate(context.Background(), table, vf)
	require.NoError(t, err)

	assert.Equal(t, serial, parallel)
}

func TestShapley_SymmetryOfIdenticalContributors(t *testing.T) {
	t.Parallel()
	table := testTable(t, 4,
		[]float64{7, 120},
		[]float64{7, 120}, // identical to the first
		[]float64{2, 300},
	)
	vf := &shapley.ConcaveCapacity{Exponent: 0.6}
	require.NoError(t, vf.Validate())

	scores, err := newEstimator(t, 50, shapley.SeedForEpoch(4), 0).Estimate(context.Background(), table, vf)
	require.NoError(t, err)

	// Identical metric vectors must yield the identical score, exactly.
	assert.Equal(t, scores[table.Records[0].Key], scores[table.Records[1].Key])
}

func TestShapley_EfficiencyOfSampledEstimate(t *testing.T) {
	t.Parallel()
	// Per permutation the marginals telescope to v(N) - v(empty), so the
	// averaged scores must sum to the grand coalition value exactly (up to
	// float rounding), independent of sample count.
	table := testTable(t, 8,
		[]float64{4, 10},
		[]float64{9, 20},
		[]float64{1, 70},
	)
	vf := &shapley.ConcaveCapacity{Exponent: 0.8}
	require.NoError(t, vf.Validate())

	scores, err := newEstimator(t, 37, shapley.SeedForEpoch(8), 0).Estimate(context.Background(), table, vf)
	require.NoError(t, err)

	records := make([]dataprep.ContributorRecord, len(table.Records))
	copy(records, table.Records)
	grand := vf.Value(records)

	assert.InDelta(t, grand, scores.Total(), 1e-9)
}

func TestShapley_ContextCancellation(t *testing.T) {
	t.Parallel()
	table := testTable(t, 2,
		[]float64{5, 100},
		[]float64{3, 250},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEstimator(t, 10_000, 1, 1).Estimate(ctx, table, linearValueFunc(t))
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestShapley_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := shapley.NewEstimator(shapley.Config{Samples: 10})
	require.Error(t, err)

	_, err = shapley.NewEstimator(shapley.Config{
		Logger:  rewardstesting.NewLogger(),
		Samples: 0,
	})
	require.Error(t, err)
}

func TestShapley_ConcaveCapacityValidation(t *testing.T) {
	t.Parallel()

	require.Error(t, (&shapley.ConcaveCapacity{Exponent: 0}).Validate())
	require.Error(t, (&shapley.ConcaveCapacity{Exponent: 1.5}).Validate())
	require.Error(t, (&shapley.ConcaveCapacity{Exponent: 0.5, ColumnWeights: []float64{-1}}).Validate())
	require.NoError(t, (&shapley.ConcaveCapacity{Exponent: 1}).Validate())
}

func TestShapley_ColumnSubsetRestrictsMetrics(t *testing.T) {
	t.Parallel()
	inner := &shapley.ConcaveCapacity{Exponent: 1}
	require.NoError(t, inner.Validate())

	records := []dataprep.ContributorRecord{
		{Key: testKey(1), Metrics: []float64{10, 999}},
		{Key: testKey(2), Metrics: []float64{20, 999}},
	}

	sub := &shapley.ColumnSubset{Columns: []int{0}, Inner: inner}
	assert.InDelta(t, 30, sub.Value(records), 1e-9)
}
