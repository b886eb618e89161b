package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	revdist "github.com/malbeclabs/doublezero/sdk/revdist/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contributor-rewards/pkg/distribution"
	"github.com/malbeclabs/contributor-rewards/pkg/ledger"
	rewardstesting "github.com/malbeclabs/contributor-rewards/utils/pkg/testing"
)

type mockEpochRPC struct {
	epoch uint64
	slot  uint64
	err   error
}

func (m *mockEpochRPC) GetEpochInfo(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetEpochInfoResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &solanarpc.GetEpochInfoResult{
		Epoch:        m.epoch,
		AbsoluteSlot: m.slot,
	}, nil
}

type mockRevDist struct {
	config        *revdist.ProgramConfig
	distributions map[uint64]*revdist.Distribution
	rewards       []revdist.ContributorRewards
	err           error
}

func (m *mockRevDist) FetchConfig(ctx context.Context) (*revdist.ProgramConfig, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.config, nil
}

func (m *mockRevDist) FetchDistribution(ctx context.Context, epoch uint64) (*revdist.Distribution, error) {
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.distributions[epoch]
	if !ok {
		return nil, errors.New("distribution account not found")
	}
	return d, nil
}

func (m *mockRevDist) FetchAllContributorRewards(ctx context.Context) ([]revdist.ContributorRewards, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rewards, nil
}

type recordingSubmitter struct {
	epochs []uint64
	err    error
}

func (s *recordingSubmitter) SubmitRewards(ctx context.Context, epoch uint64, totalContributors int, root [32]byte) error {
	if s.err != nil {
		return s.err
	}
	s.epochs = append(s.epochs, epoch)
	return nil
}

func newSolanaClient(t *testing.T, rpc ledger.EpochRPC, rd ledger.RevDistClient, sub ledger.Submitter) *ledger.SolanaClient {
	t.Helper()
	c, err := ledger.NewSolanaClient(ledger.SolanaConfig{
		Logger:        rewardstesting.NewLogger(),
		EpochRPC:      rpc,
		RevDistClient: rd,
		Submitter:     sub,
		RPSLimit:      1000,
	})
	require.NoError(t, err)
	return c
}

func TestLedger_Solana_EpochInfo(t *testing.T) {
	t.Parallel()
	c := newSolanaClient(t, &mockEpochRPC{epoch: 120, slot: 51_840_000}, &mockRevDist{}, nil)

	info, err := c.EpochInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(120), info.Epoch)
	assert.Equal(t, uint64(51_840_000), info.Slot)
}

func TestLedger_Solana_DistributableRevenue(t *testing.T) {
	t.Parallel()
	rd := &mockRevDist{
		distributions: map[uint64]*revdist.Distribution{
			119: {
				DZEpoch:                     119,
				CollectedPrepaid2ZPayments:  1000,
				Collected2ZConvertedFromSOL: 500,
				Burned2ZAmount:              300,
			},
		},
	}
	c := newSolanaClient(t, &mockEpochRPC{epoch: 120, slot: 777}, rd, nil)

	snap, err := c.DistributableRevenue(context.Background(), 119)
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), snap.Total)
	assert.Equal(t, uint64(119), snap.Epoch)
	assert.Equal(t, uint64(777), snap.Slot)
}

func TestLedger_Solana_RevenueBurnExceedsCollected(t *testing.T) {
	t.Parallel()
	rd := &mockRevDist{
		distributions: map[uint64]*revdist.Distribution{
			5: {DZEpoch: 5, CollectedPrepaid2ZPayments: 10, Burned2ZAmount: 50},
		},
	}
	c := newSolanaClient(t, &mockEpochRPC{}, rd, nil)

	_, err := c.DistributableRevenue(context.Background(), 5)
	require.ErrorIs(t, err, distribution.ErrInvalidRevenue)
}

func TestLedger_Solana_DenyList(t *testing.T) {
	t.Parallel()
	rd := &mockRevDist{
		rewards: []revdist.ContributorRewards{
			{Flags: 0},
			{Flags: 1},
		},
	}
	c := newSolanaClient(t, &mockEpochRPC{}, rd, nil)

	denied, err := c.DenyList(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, solana.PublicKey{}, denied[0])
}

func TestLedger_Solana_SubmitIdempotent(t *testing.T) {
	t.Parallel()
	sub := &recordingSubmitter{}
	rd := &mockRevDist{config: &revdist.ProgramConfig{NextCompletedDZEpoch: 100}}
	c := newSolanaClient(t, &mockEpochRPC{}, rd, sub)

	// Epoch below the completion watermark: no-op success.
	require.NoError(t, c.SubmitRewards(context.Background(), 99, 3, [32]byte{1}))
	assert.Empty(t, sub.epochs)

	// Next epoch: delegated to the submitter.
	require.NoError(t, c.SubmitRewards(context.Background(), 100, 3, [32]byte{1}))
	assert.Equal(t, []uint64{100}, sub.epochs)
}

func TestLedger_Solana_SubmitWithoutSubmitter(t *testing.T) {
	t.Parallel()
	rd := &mockRevDist{config: &revdist.ProgramConfig{NextCompletedDZEpoch: 10}}
	c := newSolanaClient(t, &mockEpochRPC{}, rd, nil)

	err := c.SubmitRewards(context.Background(), 10, 1, [32]byte{})
	require.ErrorIs(t, err, ledger.ErrNotImplemented)
}

func TestLedger_Memory_RoundTrip(t *testing.T) {
	t.Parallel()
	m := ledger.NewMemoryClient()
	m.Current = ledger.EpochInfo{Epoch: 50, Slot: 123}
	m.Revenue[49] = 1000

	info, err := m.EpochInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(50), info.Epoch)

	snap, err := m.DistributableRevenue(context.Background(), 49)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), snap.Total)

	_, err = m.DistributableRevenue(context.Background(), 48)
	require.Error(t, err)
}

func TestLedger_Memory_NegativeRevenue(t *testing.T) {
	t.Parallel()
	m := ledger.NewMemoryClient()
	m.Revenue[7] = -1

	_, err := m.DistributableRevenue(context.Background(), 7)
	require.ErrorIs(t, err, distribution.ErrInvalidRevenue)
}

func TestLedger_Memory_SubmitIdempotent(t *testing.T) {
	t.Parallel()
	m := ledger.NewMemoryClient()
	root := [32]byte{9}

	require.NoError(t, m.SubmitRewards(context.Background(), 5, 2, root))
	require.True(t, m.Submitted(5))

	// Same epoch, same root: no-op.
	require.NoError(t, m.SubmitRewards(context.Background(), 5, 2, root))

	// Same epoch, different root: rejected.
	require.Error(t, m.SubmitRewards(context.Background(), 5, 2, [32]byte{8}))
}
