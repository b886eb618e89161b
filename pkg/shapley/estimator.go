// Package shapley estimates each contributor's marginal value to total
// network output using a sampled-permutation Shapley value estimator.
//
// Exact Shapley computation is factorial in the contributor count, so the
// estimator draws a configured number of random permutations and averages
// each contributor's marginal contribution at its position in every
// permutation. Sampling is driven by an explicit epoch-derived seed so that
// reruns are bit-reproducible and auditable.
package shapley

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/contributor-rewards/pkg/dataprep"
	"github.com/malbeclabs/contributor-rewards/pkg/metrics"
)

// ErrInsufficientData indicates fewer than two contributors; the Shapley
// value is meaningless for a singleton coalition.
var ErrInsufficientData = errors.New("insufficient contributors for shapley estimation")

const seedDomain = "dz-rewards-seed"

// SeedForEpoch derives the deterministic sampling seed for an epoch. The
// derivation is part of the auditability contract: anyone can recompute the
// seed from the epoch number alone.
func SeedForEpoch(epoch uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	h := sha256.New()
	h.Write([]byte(seedDomain))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// Scores maps contributor key to raw marginal-contribution score.
type Scores map[solana.PublicKey]float64

// Total returns the sum of all scores.
func (s Scores) Total() float64 {
	var sum, comp float64
	// Iteration order does not matter here beyond float rounding; callers
	// needing exact reproducibility use the estimator output directly.
	for _, v := range s {
		y := v - comp
		t := sum + y
		comp = (t - sum) - y
		sum = t
	}
	return sum
}

type Config struct {
	Logger *slog.Logger

	// Samples is the number of sampled permutations.
	Samples int

	// Workers bounds the parallel marginal-contribution passes. Defaults
	// to GOMAXPROCS. The reduction is ordered by permutation index, so the
	// worker count and scheduling never affect the numeric result.
	Workers int

	// Seed drives all sampling. Derive it with SeedForEpoch; never use an
	// ambient random source.
	Seed uint64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Samples <= 0 {
		return errors.New("samples must be greater than 0")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	return nil
}

type Estimator struct {
	log *slog.Logger
	cfg Config
}

func NewEstimator(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Estimate computes raw per-contributor Shapley scores for the table under
// the given characteristic function.
//
// Each permutation i draws from its own PCG stream keyed (seed, i), so the
// sample set is independent of worker count. Marginal vectors are reduced
// strictly in permutation-index order with compensated summation, bounding
// float drift across large contributor sets and keeping reruns bit-identical.
func (e *Estimator) Estimate(ctx context.Context, table *dataprep.Table, vf ValueFunc) (Scores, error) {
	n := len(table.Records)
	if n < 2 {
		return nil, fmt.Errorf("%w: have %d, need at least 2", ErrInsufficientData, n)
	}

	start := time.Now()
	e.log.Debug("shapley: estimation started",
		"epoch", table.Epoch, "contributors", n, "samples", e.cfg.Samples, "seed", e.cfg.Seed)

	// One marginal vector per permutation, indexed by permutation so the
	// final reduction is a deterministic in-order sweep.
	marginals := make([][]float64, e.cfg.Samples)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i := 0; i < e.cfg.Samples; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			marginals[i] = marginalPass(table.Records, vf, e.cfg.Seed, uint64(i))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("shapley estimation for epoch %d: %w", table.Epoch, err)
	}

	// In-order compensated reduction.
	sums := make([]float64, n)
	comps := make([]float64, n)
	for _, marg := range marginals {
		for j, v := range marg {
			y := v - comps[j]
			t := sums[j] + y
			comps[j] = (t - sums[j]) - y
			sums[j] = t
		}
	}

	invSamples := 1.0 / float64(e.cfg.Samples)
	averaged := make([]float64, n)
	for j := range sums {
		averaged[j] = sums[j] * invSamples
	}

	// Contributors with byte-identical metric vectors are interchangeable
	// under any pure characteristic function; give them the exact same
	// score rather than sampling-noise-separated estimates.
	symmetrize(table.Records, averaged)

	scores := make(Scores, n)
	for j, r := range table.Records {
		scores[r.Key] = averaged[j]
	}

	elapsed := time.Since(start)
	metrics.ShapleyComputeDuration.Observe(elapsed.Seconds())
	metrics.ShapleyContributorCount.Set(float64(n))
	metrics.ShapleyTotalValue.Set(scores.Total())
	e.log.Info("shapley: estimation completed",
		"epoch", table.Epoch, "contributors", n, "samples", e.cfg.Samples, "duration", elapsed.String())

	return scores, nil
}

// marginalPass computes one permutation's marginal-contribution vector,
// indexed by table position.
func marginalPass(records []dataprep.ContributorRecord, vf ValueFunc, seed, permIndex uint64) []float64 {
	rng := rand.New(rand.NewPCG(seed, permIndex))
	perm := rng.Perm(len(records))

	marg := make([]float64, len(records))
	coalition := make([]dataprep.ContributorRecord, 0, len(records))

	prev := vf.Value(coalition)
	for _, idx := range perm {
		coalition = append(coalition, records[idx])
		cur := vf.Value(coalition)
		marg[idx] = cur - prev
		prev = cur
	}
	return marg
}

// symmetrize assigns the group mean to every member of each group of
// contributors sharing a byte-identical metric vector. The overall sum is
// preserved.
func symmetrize(records []dataprep.ContributorRecord, scores []float64) {
	groups := make(map[string][]int)
	for j, r := range records {
		groups[metricFingerprint(r.Metrics)] = append(groups[metricFingerprint(r.Metrics)], j)
	}
	for _, members := range groups {
		if len(members) < 2 {
			continue
		}
		var sum float64
		for _, j := range members {
			sum += scores[j]
		}
		mean := sum / float64(len(members))
		for _, j := range members {
			scores[j] = mean
		}
	}
}

func metricFingerprint(metrics []float64) string {
	buf := make([]byte, 8*len(metrics))
	for i, m := range metrics {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(m))
	}
	return string(buf)
}
