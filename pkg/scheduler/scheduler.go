// Package scheduler runs the rewards pipeline continuously: every tick it
// targets the most recently completed epoch (current minus one), skips
// epochs already finalized, and hands the rest to the orchestrator. State
// survives restarts through an atomically written state file.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/contributor-rewards/pkg/journal"
	"github.com/malbeclabs/contributor-rewards/pkg/ledger"
	"github.com/malbeclabs/contributor-rewards/pkg/metrics"
	"github.com/malbeclabs/contributor-rewards/pkg/orchestrator"
	"github.com/malbeclabs/contributor-rewards/pkg/recorder"
	"github.com/malbeclabs/contributor-rewards/utils/pkg/retry"
)

// State is the scheduler's persisted position.
type State struct {
	LastProcessedEpoch  uint64    `json:"last_processed_epoch"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Ledger       ledger.Client
	Orchestrator *orchestrator.Orchestrator
	Journal      journal.Log
	Storage      recorder.Storage

	// Interval between ticks.
	Interval time.Duration

	// StatePath is the state file location. Empty disables persistence.
	StatePath string

	// EpochRetry bounds the current-epoch fetch at each tick.
	EpochRetry retry.Config

	// MaxConsecutiveFailures stops the loop when reached. Zero means
	// never stop.
	MaxConsecutiveFailures int

	// OnRunComplete, when set, receives every finished orchestrator
	// summary. Used for notifications.
	OnRunComplete func(context.Context, *orchestrator.Summary)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Orchestrator == nil {
		return errors.New("orchestrator is required")
	}
	if cfg.Journal == nil {
		return errors.New("journal is required")
	}
	if cfg.Storage == nil {
		return errors.New("storage backend is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.EpochRetry.MaxAttempts <= 0 {
		cfg.EpochRetry = retry.DefaultConfig()
	}
	return nil
}

type Scheduler struct {
	log   *slog.Logger
	cfg   Config
	state State
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		log: cfg.Logger,
		cfg: cfg,
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// State returns the scheduler's current position.
func (s *Scheduler) State() State {
	return s.state
}

// Run ticks until the context is cancelled or the consecutive-failure limit
// is hit. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler: starting", "interval", s.cfg.Interval, "last_processed", s.state.LastProcessedEpoch)

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.log.Error("scheduler: tick failed", "error", err, "consecutive_failures", s.state.ConsecutiveFailures)
			if s.cfg.MaxConsecutiveFailures > 0 && s.state.ConsecutiveFailures >= s.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("stopping after %d consecutive failures: %w", s.state.ConsecutiveFailures, err)
			}
		}

		select {
		case <-ctx.Done():
			s.log.Info("scheduler: stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// Tick processes at most one epoch: the ledger's current epoch minus one.
// Epochs already journaled or already holding a manifest are skipped.
func (s *Scheduler) Tick(ctx context.Context) error {
	var info ledger.EpochInfo
	err := retry.Do(ctx, s.cfg.EpochRetry, func() error {
		var fetchErr error
		info, fetchErr = s.cfg.Ledger.EpochInfo(ctx)
		return fetchErr
	})
	if err != nil {
		s.recordTick("failure")
		return fmt.Errorf("fetching current epoch: %w", err)
	}
	if info.Epoch == 0 {
		s.recordTick("skipped")
		return nil
	}
	target := info.Epoch - 1

	done, err := s.alreadyProcessed(ctx, target)
	if err != nil {
		s.recordTick("failure")
		return err
	}
	if done {
		s.log.Debug("scheduler: target epoch already processed", "epoch", target)
		s.recordTick("skipped")
		return nil
	}

	summary, err := s.cfg.Orchestrator.Run(ctx, target)
	if err != nil {
		s.state.ConsecutiveFailures++
		s.persistState()
		s.recordTick("failure")
		return fmt.Errorf("processing epoch %d: %w", target, err)
	}
	if s.cfg.OnRunComplete != nil {
		s.cfg.OnRunComplete(ctx, summary)
	}
	if !summary.AllSuccessful() {
		s.state.ConsecutiveFailures++
		s.persistState()
		s.recordTick("failure")
		return fmt.Errorf("epoch %d finished with failed writes", target)
	}

	s.state.LastProcessedEpoch = target
	s.state.ConsecutiveFailures = 0
	s.state.UpdatedAt = s.cfg.Clock.Now().UTC()
	s.persistState()
	s.recordTick("success")
	return nil
}

// alreadyProcessed checks state, journal, and storage so restarts and
// concurrent deployments never redo a finalized epoch.
func (s *Scheduler) alreadyProcessed(ctx context.Context, epoch uint64) (bool, error) {
	if s.state.LastProcessedEpoch >= epoch && s.state.LastProcessedEpoch != 0 {
		return true, nil
	}
	last, ok, err := s.cfg.Journal.Last()
	if err != nil {
		return false, fmt.Errorf("reading journal: %w", err)
	}
	if ok && last.Epoch >= epoch {
		return true, nil
	}
	exists, err := s.cfg.Storage.Exists(ctx, epoch)
	if err != nil {
		return false, fmt.Errorf("checking manifest existence: %w", err)
	}
	return exists, nil
}

func (s *Scheduler) recordTick(status string) {
	metrics.SchedulerRunsTotal.WithLabelValues(status).Inc()
}

func (s *Scheduler) loadState() error {
	if s.cfg.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.cfg.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("decoding state file %s: %w", s.cfg.StatePath, err)
	}
	return nil
}

// persistState writes the state file via temp and rename. Persistence
// failures are logged, not fatal: the journal and storage checks make a
// stale state file safe.
func (s *Scheduler) persistState() {
	if s.cfg.StatePath == "" {
		return
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		s.log.Error("scheduler: encoding state", "error", err)
		return
	}
	dir := filepath.Dir(s.cfg.StatePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error("scheduler: creating state directory", "error", err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		s.log.Error("scheduler: creating state temp file", "error", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		s.log.Error("scheduler: writing state temp file", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		s.log.Error("scheduler: closing state temp file", "error", err)
		return
	}
	if err := os.Rename(tmpPath, s.cfg.StatePath); err != nil {
		os.Remove(tmpPath)
		s.log.Error("scheduler: publishing state file", "error", err)
	}
}
