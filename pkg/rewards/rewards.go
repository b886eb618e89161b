// Package rewards turns raw per-category Shapley scores into a normalized
// share set. Categories partition the metric columns (for example uptime
// versus bandwidth), each category runs its own estimation, and the weighted
// composite is normalized onto a fixed-point unit basis so that shares sum
// to exactly one.
package rewards

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/contributor-rewards/pkg/dataprep"
	"github.com/malbeclabs/contributor-rewards/pkg/shapley"
)

// ErrWeightConfig indicates an unusable category weight configuration.
var ErrWeightConfig = errors.New("invalid category weight configuration")

// TotalUnits is the fixed-point basis for normalized shares. Every share is
// an integer number of units out of TotalUnits, and a ShareSet's units sum
// to exactly TotalUnits.
const TotalUnits = uint64(1_000_000_000)

// Category names a group of metric columns estimated together, with a
// weight for combining its scores into the composite.
type Category struct {
	Name        string
	MetricNames []string
	Weight      float64
}

// Share is one contributor's normalized portion of the reward pool,
// expressed in fixed-point units of TotalUnits.
type Share struct {
	Key   solana.PublicKey
	Units uint64
}

// ShareSet is the normalized output of a handler run, ordered by contributor
// key bytes ascending.
type ShareSet struct {
	Epoch  uint64
	Shares []Share
}

// UnitsTotal returns the sum of all share units. A valid ShareSet always
// returns TotalUnits unless it is empty.
func (s *ShareSet) UnitsTotal() uint64 {
	var sum uint64
	for _, sh := range s.Shares {
		sum += sh.Units
	}
	return sum
}

// Fraction returns the share as a float in [0, 1]. For reporting only; all
// payout math stays in integer units.
func (sh Share) Fraction() float64 {
	return float64(sh.Units) / float64(TotalUnits)
}

type Config struct {
	Logger     *slog.Logger
	Categories []Category

	// Samples and Workers are passed through to each per-category
	// estimator run.
	Samples int
	Workers int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Categories) == 0 {
		return fmt.Errorf("%w: at least one category is required", ErrWeightConfig)
	}
	var weightSum float64
	seen := make(map[string]bool, len(cfg.Categories))
	for _, c := range cfg.Categories {
		if c.Name == "" {
			return fmt.Errorf("%w: category name is required", ErrWeightConfig)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate category %q", ErrWeightConfig, c.Name)
		}
		seen[c.Name] = true
		if len(c.MetricNames) == 0 {
			return fmt.Errorf("%w: category %q has no metric columns", ErrWeightConfig, c.Name)
		}
		if c.Weight < 0 || math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) {
			return fmt.Errorf("%w: category %q has weight %v", ErrWeightConfig, c.Name, c.Weight)
		}
		weightSum += c.Weight
	}
	if weightSum <= 0 {
		return fmt.Errorf("%w: category weights sum to zero", ErrWeightConfig)
	}
	if cfg.Samples <= 0 {
		return errors.New("samples must be greater than 0")
	}
	return nil
}

// Handler runs the per-category Shapley estimations and produces a
// normalized ShareSet.
type Handler struct {
	log *slog.Logger
	cfg Config
}

func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handler{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Categories returns the configured categories.
func (h *Handler) Categories() []Category {
	out := make([]Category, len(h.cfg.Categories))
	copy(out, h.cfg.Categories)
	return out
}

// Run estimates each category with the given characteristic function,
// combines category scores by weight, and normalizes to a ShareSet.
//
// The same epoch-derived seed feeds every category; per-category streams are
// still independent because the estimator keys permutation streams on the
// permutation index, and categories differ in their restricted value
// functions, not their sampling.
func (h *Handler) Run(ctx context.Context, table *dataprep.Table, vf shapley.ValueFunc) (*ShareSet, error) {
	seed := shapley.SeedForEpoch(table.Epoch)

	var weightSum float64
	for _, c := range h.cfg.Categories {
		weightSum += c.Weight
	}

	composite := make(map[solana.PublicKey]float64, len(table.Records))
	for _, cat := range h.cfg.Categories {
		columns, err := h.resolveColumns(table, cat)
		if err != nil {
			return nil, err
		}

		est, err := shapley.NewEstimator(shapley.Config{
			Logger:  h.log,
			Samples: h.cfg.Samples,
			Workers: h.cfg.Workers,
			Seed:    seed,
		})
		if err != nil {
			return nil, err
		}

		scores, err := est.Estimate(ctx, table, &shapley.ColumnSubset{Columns: columns, Inner: vf})
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", cat.Name, err)
		}

		// Sum in table order, not map order: the total feeds unit
		// apportionment, so it must be bit-identical across reruns.
		var total float64
		for _, rec := range table.Records {
			total += scores[rec.Key]
		}
		if total <= 0 {
			// A category where nobody produced value contributes no
			// weight to the composite.
			h.log.Warn("rewards: category produced zero total value, skipping",
				"epoch", table.Epoch, "category", cat.Name)
			continue
		}

		// Normalize within the category before weighting so category
		// weights mean what they say regardless of metric magnitudes.
		scale := cat.Weight / (weightSum * total)
		for key, v := range scores {
			composite[key] += v * scale
		}
	}

	shares, err := Normalize(table.Epoch, composite)
	if err != nil {
		return nil, err
	}

	h.log.Info("rewards: handler run completed",
		"epoch", table.Epoch, "contributors", len(shares.Shares), "categories", len(h.cfg.Categories))
	return shares, nil
}

func (h *Handler) resolveColumns(table *dataprep.Table, cat Category) ([]int, error) {
	columns := make([]int, 0, len(cat.MetricNames))
	for _, name := range cat.MetricNames {
		idx := table.MetricIndex(name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: category %q references unknown metric %q",
				ErrWeightConfig, cat.Name, name)
		}
		columns = append(columns, idx)
	}
	return columns, nil
}

// Normalize converts raw non-negative scores to a ShareSet whose units sum
// to exactly TotalUnits, using largest-remainder apportionment. Ties in
// remainder break by contributor key bytes ascending so the result is fully
// deterministic.
func Normalize(epoch uint64, scores map[solana.PublicKey]float64) (*ShareSet, error) {
	type entry struct {
		key       solana.PublicKey
		score     float64
		units     uint64
		remainder float64
	}

	entries := make([]entry, 0, len(scores))
	for key, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite score for contributor %s", key)
		}
		if v < 0 {
			// Sampling noise can push a near-zero marginal slightly
			// negative; clamp rather than fail.
			v = 0
		}
		entries = append(entries, entry{key: key, score: v})
	}
	if len(entries) == 0 {
		return &ShareSet{Epoch: epoch}, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key[:], entries[j].key[:]) < 0
	})

	// Summed after the sort so the total is independent of map iteration
	// order; a one-ulp drift here can move a unit between contributors.
	var total float64
	for _, e := range entries {
		total += e.score
	}

	if total <= 0 {
		// Degenerate epoch where nobody scored: split equally, excess
		// units to the lowest keys.
		base := TotalUnits / uint64(len(entries))
		excess := TotalUnits % uint64(len(entries))
		shares := make([]Share, len(entries))
		for i, e := range entries {
			units := base
			if uint64(i) < excess {
				units++
			}
			shares[i] = Share{Key: e.key, Units: units}
		}
		return &ShareSet{Epoch: epoch, Shares: shares}, nil
	}

	var allocated uint64
	for i := range entries {
		exact := entries[i].score / total * float64(TotalUnits)
		floor := math.Floor(exact)
		entries[i].units = uint64(floor)
		entries[i].remainder = exact - floor
		allocated += entries[i].units
	}

	// Largest remainder first; on equal remainders the earlier (lower key)
	// entry wins because the sort below is stable over the key ordering
	// established above.
	leftover := TotalUnits - allocated
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return entries[order[a]].remainder > entries[order[b]].remainder
	})
	for i := uint64(0); i < leftover; i++ {
		entries[order[i]].units++
	}

	shares := make([]Share, len(entries))
	for i, e := range entries {
		shares[i] = Share{Key: e.key, Units: e.units}
	}
	return &ShareSet{Epoch: epoch, Shares: shares}, nil
}
