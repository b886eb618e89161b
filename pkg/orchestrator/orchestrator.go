// Package orchestrator sequences one epoch's rewards run: read inputs from
// the ledger and telemetry collaborators, run the calculation core, commit
// the outputs. All I/O happens at the boundaries; the algorithmic core in
// between is pure and deterministic, so a rerun over the same snapshots
// produces a bit-identical manifest.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contributor-rewards/pkg/dataprep"
	"github.com/malbeclabs/contributor-rewards/pkg/distribution"
	"github.com/malbeclabs/contributor-rewards/pkg/journal"
	"github.com/malbeclabs/contributor-rewards/pkg/ledger"
	"github.com/malbeclabs/contributor-rewards/pkg/merkle"
	"github.com/malbeclabs/contributor-rewards/pkg/metrics"
	"github.com/malbeclabs/contributor-rewards/pkg/recorder"
	"github.com/malbeclabs/contributor-rewards/pkg/rewards"
	"github.com/malbeclabs/contributor-rewards/pkg/shapley"
)

// TelemetrySource provides the per-epoch contributor metrics.
type TelemetrySource interface {
	FetchEpoch(ctx context.Context, epoch uint64) ([]dataprep.RawContributor, error)
}

// WriteResult records the outcome of one output write.
type WriteResult struct {
	Name    string
	Skipped bool
	Err     error
}

// Summary is the outcome of one orchestrator run.
type Summary struct {
	RunID        string
	Epoch        uint64
	Contributors int
	Total        uint64
	Root         string
	ZeroRevenue  bool
	DryRun       bool
	Writes       []WriteResult
	Duration     time.Duration
}

// AllSuccessful reports whether every non-skipped write succeeded.
func (s *Summary) AllSuccessful() bool {
	for _, w := range s.Writes {
		if !w.Skipped && w.Err != nil {
			return false
		}
	}
	return true
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Ledger    ledger.Client
	Telemetry TelemetrySource
	Handler   *rewards.Handler
	ValueFunc shapley.ValueFunc
	Recorder  *recorder.Recorder
	Journal   journal.Log

	// Writes selects which outputs to persist. DryRun overrides it and
	// skips every write.
	Writes recorder.WriteConfig
	DryRun bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Telemetry == nil {
		return errors.New("telemetry source is required")
	}
	if cfg.Handler == nil {
		return errors.New("rewards handler is required")
	}
	if cfg.ValueFunc == nil {
		return errors.New("value function is required")
	}
	if cfg.Recorder == nil {
		return errors.New("recorder is required")
	}
	if cfg.Journal == nil {
		return errors.New("journal is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Orchestrator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Run executes the full pipeline for one epoch. The journal guard runs
// before any output write, so a stale target aborts with nothing persisted.
func (o *Orchestrator) Run(ctx context.Context, epoch uint64) (*Summary, error) {
	runID := uuid.NewString()
	start := o.cfg.Clock.Now()
	log := o.log.With("run_id", runID, "epoch", epoch)

	summary := &Summary{
		RunID:  runID,
		Epoch:  epoch,
		DryRun: o.cfg.DryRun,
	}
	metrics.CurrentEpoch.Set(float64(epoch))

	if err := journal.Check(o.cfg.Journal, epoch); err != nil {
		return nil, err
	}

	// Input snapshots. Each read is point-in-time; nothing below re-reads.
	denied, err := o.cfg.Ledger.DenyList(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("reading deny list: %w", err)
	}
	raw, err := o.cfg.Telemetry.FetchEpoch(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("fetching telemetry for epoch %d: %w", epoch, err)
	}
	revenue, err := o.cfg.Ledger.DistributableRevenue(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("reading revenue for epoch %d: %w", epoch, err)
	}

	// Algorithmic core: no I/O from here to the commit phase.
	preparer, err := dataprep.NewPreparer(dataprep.Config{
		Logger:      o.log,
		MetricNames: o.metricNames(),
	})
	if err != nil {
		return nil, err
	}
	prepared, err := preparer.Prepare(epoch, raw, denied)
	if err != nil {
		return nil, err
	}
	summary.Contributors = len(prepared.Records)

	shares, err := o.cfg.Handler.Run(ctx, prepared, o.cfg.ValueFunc)
	if err != nil {
		return nil, err
	}

	payouts, err := distribution.Distribute(revenue.Total, shares)
	if errors.Is(err, distribution.ErrZeroRevenue) {
		summary.ZeroRevenue = true
		log.Warn("orchestrator: zero revenue epoch, recording all-zero payouts")
	} else if err != nil {
		return nil, err
	}
	summary.Total = payouts.Total

	tree, err := merkle.NewTree(payouts)
	if err != nil {
		return nil, err
	}
	root := tree.Root()
	summary.Root = fmt.Sprintf("%x", root)

	entry := journal.Entry{
		Epoch:       epoch,
		Root:        summary.Root,
		Total:       payouts.Total,
		Payees:      len(payouts.Payouts),
		Slot:        revenue.Slot,
		FinalizedAt: o.cfg.Clock.Now().UTC(),
	}
	log.Info("orchestrator: calculation complete", "entry", journal.FormatEntry(entry))

	// Commit phase.
	o.commit(ctx, log, summary, payouts, tree, revenue.Slot, entry, root)

	summary.Duration = o.cfg.Clock.Since(start)
	metrics.EpochProcessingDuration.Observe(summary.Duration.Seconds())
	if summary.AllSuccessful() && !o.cfg.DryRun {
		metrics.EpochsProcessed.Inc()
		metrics.LastSuccessfulEpoch.Set(float64(epoch))
	}
	log.Info("orchestrator: run finished",
		"contributors", summary.Contributors, "total", summary.Total,
		"all_successful", summary.AllSuccessful(), "duration", summary.Duration.String())
	return summary, nil
}

// commit performs the output writes in order: manifest, journal, ledger
// submit. A failed write records its error and stops the later writes,
// keeping the journal behind the manifest and the ledger behind both.
func (o *Orchestrator) commit(ctx context.Context, log *slog.Logger, summary *Summary, payouts *distribution.PayoutSet, tree *merkle.Tree, slot uint64, entry journal.Entry, root [32]byte) {
	skipAll := o.cfg.DryRun

	manifest := WriteResult{Name: "manifest", Skipped: skipAll || o.cfg.Writes.SkipManifest}
	if !manifest.Skipped {
		_, manifest.Err = o.cfg.Recorder.Record(ctx, payouts, tree, slot, entry.FinalizedAt)
	}
	summary.Writes = append(summary.Writes, manifest)

	journalWrite := WriteResult{Name: "journal", Skipped: skipAll || o.cfg.Writes.SkipJournal}
	if manifest.Err != nil {
		journalWrite.Skipped = true
	} else if !journalWrite.Skipped {
		journalWrite.Err = o.cfg.Journal.Append(entry)
	}
	summary.Writes = append(summary.Writes, journalWrite)

	submit := WriteResult{Name: "submit", Skipped: skipAll || o.cfg.Writes.SkipSubmit}
	if manifest.Err != nil || journalWrite.Err != nil {
		submit.Skipped = true
	} else if !submit.Skipped {
		submit.Err = o.cfg.Ledger.SubmitRewards(ctx, summary.Epoch, len(payouts.Payouts), root)
	}
	summary.Writes = append(summary.Writes, submit)

	for _, w := range summary.Writes {
		status := "success"
		switch {
		case w.Skipped:
			status = "skipped"
		case w.Err != nil:
			status = "failure"
			log.Error("orchestrator: write failed", "write", w.Name, "error", w.Err)
		}
		metrics.WritesTotal.WithLabelValues(w.Name, status).Inc()
	}
}

func (o *Orchestrator) metricNames() []string {
	names := make(map[string]bool)
	var ordered []string
	for _, cat := range o.cfg.Handler.Categories() {
		for _, name := range cat.MetricNames {
			if !names[name] {
				names[name] = true
				ordered = append(ordered, name)
			}
		}
	}
	return ordered
}
