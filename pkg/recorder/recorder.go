package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/contributor-rewards/pkg/distribution"
	"github.com/malbeclabs/contributor-rewards/pkg/merkle"
	"github.com/malbeclabs/contributor-rewards/pkg/metrics"
	"github.com/malbeclabs/contributor-rewards/utils/pkg/retry"
)

// WriteConfig selects which outputs a run persists. Zero value writes
// everything.
type WriteConfig struct {
	SkipManifest bool
	SkipJournal  bool
	SkipSubmit   bool
}

// AllWritesSkipped reports whether the run would persist nothing.
func (w WriteConfig) AllWritesSkipped() bool {
	return w.SkipManifest && w.SkipJournal && w.SkipSubmit
}

// EnabledWrites counts the writes the config allows.
func (w WriteConfig) EnabledWrites() int {
	n := 0
	for _, skip := range []bool{w.SkipManifest, w.SkipJournal, w.SkipSubmit} {
		if !skip {
			n++
		}
	}
	return n
}

type Config struct {
	Logger  *slog.Logger
	Storage Storage

	// Retry bounds attempts against the storage backend. Only failures
	// wrapping ErrStorage are retried.
	Retry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Storage == nil {
		return errors.New("storage backend is required")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Recorder builds and persists epoch manifests.
type Recorder struct {
	log *slog.Logger
	cfg Config
}

func NewRecorder(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Recorder{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Storage exposes the backend for idempotency checks.
func (r *Recorder) Storage() Storage {
	return r.cfg.Storage
}

// Record builds the manifest for a payout set and persists it, retrying
// storage failures with backoff. Returns the persisted manifest.
func (r *Recorder) Record(ctx context.Context, set *distribution.PayoutSet, tree *merkle.Tree, slot uint64, now time.Time) (*Manifest, error) {
	manifest, err := BuildManifest(set, tree, slot, now)
	if err != nil {
		return nil, err
	}
	data, err := manifest.Encode()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = retry.Do(ctx, r.cfg.Retry, func() error {
		if saveErr := r.cfg.Storage.Save(ctx, set.Epoch, data); saveErr != nil {
			if errors.Is(saveErr, ErrStorage) {
				return retry.Retryable(saveErr)
			}
			// Non-storage failures are terminal.
			return retry.Permanent(saveErr)
		}
		return nil
	})
	metrics.WriteDuration.WithLabelValues("manifest").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("recording manifest for epoch %d: %w", set.Epoch, err)
	}

	r.log.Info("recorder: manifest recorded",
		"epoch", set.Epoch, "storage", r.cfg.Storage.Type(), "entries", len(manifest.Entries), "total", set.Total)
	return manifest, nil
}

// LoadManifest fetches and decodes a previously recorded manifest.
func (r *Recorder) LoadManifest(ctx context.Context, epoch uint64) (*Manifest, error) {
	data, err := r.cfg.Storage.Load(ctx, epoch)
	if err != nil {
		return nil, err
	}
	return DecodeManifest(data)
}
