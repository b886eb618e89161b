// Package ledger is the boundary to the external revenue ledger: it reads
// the current epoch, the revenue pool distributable for an epoch, and the
// contributor deny list, and performs the idempotent per-epoch rewards
// submission. The production implementation talks to Solana via RPC plus
// the revdist program SDK; the in-memory implementation backs tests and
// offline runs.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/contributor-rewards/pkg/distribution"
)

// RevenueSnapshot is a point-in-time read of the distributable revenue for
// one epoch. Slot pins the read so reruns can report what they saw.
type RevenueSnapshot struct {
	Epoch uint64
	Total uint64
	Slot  uint64
}

// EpochInfo is the ledger's current position.
type EpochInfo struct {
	Epoch uint64
	Slot  uint64
}

// Client is the external ledger collaborator. All methods take a context
// and are safe for concurrent use.
type Client interface {
	// EpochInfo returns the ledger's current epoch and slot.
	EpochInfo(ctx context.Context) (EpochInfo, error)

	// DistributableRevenue returns the revenue pool for an epoch.
	// A negative raw balance reported by the ledger maps to
	// distribution.ErrInvalidRevenue.
	DistributableRevenue(ctx context.Context, epoch uint64) (RevenueSnapshot, error)

	// DenyList returns the contributors excluded from rewards for an
	// epoch.
	DenyList(ctx context.Context, epoch uint64) ([]solana.PublicKey, error)

	// SubmitRewards records an epoch's finalized rewards with the ledger.
	// Idempotent keyed by epoch: resubmitting an already-recorded epoch is
	// a no-op success.
	SubmitRewards(ctx context.Context, epoch uint64, totalContributors int, root [32]byte) error
}

// validateRawRevenue converts the ledger's signed balance to the unsigned
// pool total.
func validateRawRevenue(epoch uint64, raw int64) (uint64, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: ledger reports %d for epoch %d",
			distribution.ErrInvalidRevenue, raw, epoch)
	}
	return uint64(raw), nil
}

// MemoryClient is an in-memory Client for tests and local runs.
type MemoryClient struct {
	mu sync.Mutex

	Current   EpochInfo
	Revenue   map[uint64]int64
	Denied    map[uint64][]solana.PublicKey
	submitted map[uint64][32]byte

	// SubmitErr, when set, is returned by SubmitRewards for epochs not yet
	// recorded.
	SubmitErr error
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		Revenue:   make(map[uint64]int64),
		Denied:    make(map[uint64][]solana.PublicKey),
		submitted: make(map[uint64][32]byte),
	}
}

func (m *MemoryClient) EpochInfo(ctx context.Context) (EpochInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Current, nil
}

func (m *MemoryClient) DistributableRevenue(ctx context.Context, epoch uint64) (RevenueSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.Revenue[epoch]
	if !ok {
		return RevenueSnapshot{}, fmt.Errorf("no revenue recorded for epoch %d", epoch)
	}
	total, err := validateRawRevenue(epoch, raw)
	if err != nil {
		return RevenueSnapshot{}, err
	}
	return RevenueSnapshot{Epoch: epoch, Total: total, Slot: m.Current.Slot}, nil
}

func (m *MemoryClient) DenyList(ctx context.Context, epoch uint64) ([]solana.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	denied := m.Denied[epoch]
	out := make([]solana.PublicKey, len(denied))
	copy(out, denied)
	return out, nil
}

func (m *MemoryClient) SubmitRewards(ctx context.Context, epoch uint64, totalContributors int, root [32]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.submitted[epoch]; ok {
		if prev != root {
			return fmt.Errorf("epoch %d already submitted with a different root", epoch)
		}
		return nil
	}
	if m.SubmitErr != nil {
		return m.SubmitErr
	}
	m.submitted[epoch] = root
	return nil
}

// Submitted reports whether an epoch's rewards were recorded.
func (m *MemoryClient) Submitted(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.submitted[epoch]
	return ok
}

var _ Client = (*MemoryClient)(nil)

// ErrNotImplemented marks Client capabilities an implementation does not
// provide, for example submission from a read-only ledger view.
var ErrNotImplemented = errors.New("ledger operation not implemented")
