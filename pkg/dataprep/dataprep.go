// Package dataprep normalizes raw per-epoch contributor telemetry into a
// canonical, deduplicated, sorted feature table consumed by the reward
// pipeline.
package dataprep

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// ErrMalformedInput indicates bad telemetry: an undecodable contributor key,
// a duplicate key within the epoch, or a non-finite or negative metric value.
var ErrMalformedInput = errors.New("malformed telemetry input")

// RawContributor is one contributor's telemetry as delivered by the
// telemetry collaborator: a base58 public key and named metric values.
// Batches are unordered and may contain duplicates.
type RawContributor struct {
	Key     string             `json:"key"`
	Metrics map[string]float64 `json:"metrics"`
}

// ContributorRecord is a canonicalized contributor row. Metrics are aligned
// with the owning Table's MetricNames.
type ContributorRecord struct {
	Key     solana.PublicKey
	Metrics []float64
}

// Table is the canonical per-epoch feature table. Records are sorted by
// contributor key bytes ascending and keys are unique.
type Table struct {
	Epoch       uint64
	MetricNames []string
	Records     []ContributorRecord
}

type Config struct {
	Logger      *slog.Logger
	MetricNames []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.MetricNames) == 0 {
		return errors.New("at least one metric name is required")
	}
	seen := make(map[string]struct{}, len(cfg.MetricNames))
	for _, name := range cfg.MetricNames {
		if name == "" {
			return errors.New("metric names must be non-empty")
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate metric name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

type Preparer struct {
	log *slog.Logger
	cfg Config
}

func NewPreparer(cfg Config) (*Preparer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Preparer{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// Prepare builds the canonical table for an epoch. Deny-listed contributors
// are dropped before validation of uniqueness ordering. Identical raw input
// always yields an identically ordered table.
func (p *Preparer) Prepare(epoch uint64, raw []RawContributor, denied []solana.PublicKey) (*Table, error) {
	p.log.Debug("dataprep: preparing table", "epoch", epoch, "raw_count", len(raw), "denied_count", len(denied))

	denySet := make(map[solana.PublicKey]struct{}, len(denied))
	for _, key := range denied {
		denySet[key] = struct{}{}
	}

	seen := make(map[solana.PublicKey]struct{}, len(raw))
	records := make([]ContributorRecord, 0, len(raw))

	for _, rc := range raw {
		key, err := decodeKey(rc.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: contributor %q: %v", ErrMalformedInput, rc.Key, err)
		}

		if _, ok := denySet[key]; ok {
			p.log.Info("dataprep: excluding deny-listed contributor", "epoch", epoch, "contributor", key.String())
			continue
		}

		if _, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: duplicate contributor %s in epoch %d", ErrMalformedInput, key, epoch)
		}
		seen[key] = struct{}{}

		metrics := make([]float64, len(p.cfg.MetricNames))
		for i, name := range p.cfg.MetricNames {
			v, ok := rc.Metrics[name]
			if !ok {
				// Telemetry gap: the contributor reported nothing for this
				// metric during the epoch.
				continue
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: contributor %s metric %q is not finite", ErrMalformedInput, key, name)
			}
			if v < 0 {
				return nil, fmt.Errorf("%w: contributor %s metric %q is negative (%v)", ErrMalformedInput, key, name, v)
			}
			metrics[i] = v
		}

		records = append(records, ContributorRecord{Key: key, Metrics: metrics})
	}

	sort.Slice(records, func(i, j int) bool {
		return bytes.Compare(records[i].Key[:], records[j].Key[:]) < 0
	})

	p.log.Debug("dataprep: table prepared", "epoch", epoch, "contributors", len(records))

	return &Table{
		Epoch:       epoch,
		MetricNames: append([]string(nil), p.cfg.MetricNames...),
		Records:     records,
	}, nil
}

// MetricIndex returns the column index for a metric name, or -1.
func (t *Table) MetricIndex(name string) int {
	for i, n := range t.MetricNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Keys returns the contributor keys in table order.
func (t *Table) Keys() []solana.PublicKey {
	keys := make([]solana.PublicKey, len(t.Records))
	for i, r := range t.Records {
		keys[i] = r.Key
	}
	return keys
}

func decodeKey(s string) (solana.PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid base58: %w", err)
	}
	if len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("expected %d key bytes, got %d", solana.PublicKeyLength, len(raw))
	}
	return solana.PublicKeyFromBytes(raw), nil
}
