package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// snapshotFile is the on-disk ledger snapshot format: current position,
// per-epoch revenue in base units, and per-epoch deny lists of base58
// contributor keys. Epoch keys are decimal strings.
type snapshotFile struct {
	CurrentEpoch uint64              `json:"current_epoch"`
	CurrentSlot  uint64              `json:"current_slot"`
	Revenue      map[string]int64    `json:"revenue"`
	DenyList     map[string][]string `json:"deny_list"`
}

// SnapshotClient serves ledger reads from a JSON snapshot file. When an
// EpochRPC is attached, EpochInfo defers to the live chain so the scheduler
// can track real epochs while revenue and deny lists stay pinned to the
// snapshot. Submissions are recorded in memory only.
type SnapshotClient struct {
	mem      *MemoryClient
	epochRPC EpochRPC
}

// NewSnapshotClient loads a snapshot file. epochRPC may be nil.
func NewSnapshotClient(path string, epochRPC EpochRPC) (*SnapshotClient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ledger snapshot %s: %w", path, err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding ledger snapshot %s: %w", path, err)
	}

	mem := NewMemoryClient()
	mem.Current = EpochInfo{Epoch: snap.CurrentEpoch, Slot: snap.CurrentSlot}
	for epochStr, raw := range snap.Revenue {
		epoch, err := strconv.ParseUint(epochStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ledger snapshot %s: bad revenue epoch %q: %w", path, epochStr, err)
		}
		mem.Revenue[epoch] = raw
	}
	for epochStr, keys := range snap.DenyList {
		epoch, err := strconv.ParseUint(epochStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("ledger snapshot %s: bad deny-list epoch %q: %w", path, epochStr, err)
		}
		denied := make([]solana.PublicKey, 0, len(keys))
		for _, encoded := range keys {
			key, err := solana.PublicKeyFromBase58(encoded)
			if err != nil {
				return nil, fmt.Errorf("ledger snapshot %s: bad deny-list key %q: %w", path, encoded, err)
			}
			denied = append(denied, key)
		}
		mem.Denied[epoch] = denied
	}

	return &SnapshotClient{mem: mem, epochRPC: epochRPC}, nil
}

func (c *SnapshotClient) EpochInfo(ctx context.Context) (EpochInfo, error) {
	if c.epochRPC == nil {
		return c.mem.EpochInfo(ctx)
	}
	info, err := c.epochRPC.GetEpochInfo(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return EpochInfo{}, fmt.Errorf("fetching epoch info: %w", err)
	}
	return EpochInfo{Epoch: info.Epoch, Slot: info.AbsoluteSlot}, nil
}

func (c *SnapshotClient) DistributableRevenue(ctx context.Context, epoch uint64) (RevenueSnapshot, error) {
	return c.mem.DistributableRevenue(ctx, epoch)
}

func (c *SnapshotClient) DenyList(ctx context.Context, epoch uint64) ([]solana.PublicKey, error) {
	return c.mem.DenyList(ctx, epoch)
}

func (c *SnapshotClient) SubmitRewards(ctx context.Context, epoch uint64, totalContributors int, root [32]byte) error {
	return c.mem.SubmitRewards(ctx, epoch, totalContributors, root)
}

var _ Client = (*SnapshotClient)(nil)
