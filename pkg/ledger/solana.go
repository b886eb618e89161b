package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	revdist "github.com/malbeclabs/doublezero/sdk/revdist/go"
	"github.com/mr-tron/base58"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/contributor-rewards/pkg/distribution"
)

// contributorBlockedFlag marks a contributor excluded from rewards in the
// on-chain contributor rewards account flags.
const contributorBlockedFlag = uint64(1)

// EpochRPC is the subset of the Solana RPC client the ledger needs.
type EpochRPC interface {
	GetEpochInfo(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetEpochInfoResult, error)
}

// RevDistClient wraps the revdist SDK client methods used by the ledger.
type RevDistClient interface {
	FetchConfig(ctx context.Context) (*revdist.ProgramConfig, error)
	FetchDistribution(ctx context.Context, epoch uint64) (*revdist.Distribution, error)
	FetchAllContributorRewards(ctx context.Context) ([]revdist.ContributorRewards, error)
}

// Submitter records finalized rewards with the ledger. Kept as a separate
// injection point: read paths work against public RPC, submission needs the
// rewards accountant signer.
type Submitter interface {
	SubmitRewards(ctx context.Context, epoch uint64, totalContributors int, root [32]byte) error
}

type SolanaConfig struct {
	Logger        *slog.Logger
	EpochRPC      EpochRPC
	RevDistClient RevDistClient

	// Submitter is optional. When nil, SubmitRewards returns
	// ErrNotImplemented for epochs not already recorded on chain.
	Submitter Submitter

	// RPSLimit bounds outbound RPC calls per second. Zero means a default
	// of 10.
	RPSLimit float64
}

func (cfg *SolanaConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.EpochRPC == nil {
		return errors.New("epoch rpc client is required")
	}
	if cfg.RevDistClient == nil {
		return errors.New("revdist client is required")
	}
	if cfg.RPSLimit <= 0 {
		cfg.RPSLimit = 10
	}
	return nil
}

// SolanaClient reads epoch, revenue, and deny-list state from the DZ ledger
// and revdist program accounts.
type SolanaClient struct {
	log     *slog.Logger
	cfg     SolanaConfig
	limiter *rate.Limiter
}

func NewSolanaClient(cfg SolanaConfig) (*SolanaClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SolanaClient{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPSLimit), 1),
	}, nil
}

func (c *SolanaClient) EpochInfo(ctx context.Context) (EpochInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return EpochInfo{}, err
	}
	info, err := c.cfg.EpochRPC.GetEpochInfo(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return EpochInfo{}, fmt.Errorf("fetching epoch info: %w", err)
	}
	return EpochInfo{Epoch: info.Epoch, Slot: info.AbsoluteSlot}, nil
}

// DistributableRevenue reads the epoch's distribution account. The pool is
// the collected prepaid payments plus the swap-converted amount, net of the
// burned portion.
func (c *SolanaClient) DistributableRevenue(ctx context.Context, epoch uint64) (RevenueSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return RevenueSnapshot{}, err
	}
	info, err := c.cfg.EpochRPC.GetEpochInfo(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return RevenueSnapshot{}, fmt.Errorf("fetching epoch info: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return RevenueSnapshot{}, err
	}
	dist, err := c.cfg.RevDistClient.FetchDistribution(ctx, epoch)
	if err != nil {
		return RevenueSnapshot{}, fmt.Errorf("fetching distribution for epoch %d: %w", epoch, err)
	}

	collected := dist.CollectedPrepaid2ZPayments + dist.Collected2ZConvertedFromSOL
	if dist.Burned2ZAmount > collected {
		return RevenueSnapshot{}, fmt.Errorf("%w: burned %d exceeds collected %d for epoch %d",
			distribution.ErrInvalidRevenue, dist.Burned2ZAmount, collected, epoch)
	}

	snap := RevenueSnapshot{
		Epoch: epoch,
		Total: collected - dist.Burned2ZAmount,
		Slot:  info.AbsoluteSlot,
	}
	c.log.Debug("ledger: revenue snapshot",
		"epoch", epoch, "total", snap.Total, "slot", snap.Slot)
	return snap, nil
}

// DenyList returns contributors whose on-chain rewards account carries the
// blocked flag. The deny list is not epoch-scoped on chain; the epoch
// parameter documents when the read happened.
func (c *SolanaClient) DenyList(ctx context.Context, epoch uint64) ([]solana.PublicKey, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	all, err := c.cfg.RevDistClient.FetchAllContributorRewards(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching contributor rewards accounts: %w", err)
	}

	var denied []solana.PublicKey
	for _, r := range all {
		if r.Flags&contributorBlockedFlag == 0 {
			continue
		}
		key, err := decodeKey(r.ServiceKey.String())
		if err != nil {
			return nil, fmt.Errorf("deny list entry: %w", err)
		}
		denied = append(denied, key)
	}
	c.log.Debug("ledger: deny list read", "epoch", epoch, "denied", len(denied))
	return denied, nil
}

// SubmitRewards records the epoch's rewards. An epoch the program config
// already marks completed is a no-op success, so retried runs never double
// submit.
func (c *SolanaClient) SubmitRewards(ctx context.Context, epoch uint64, totalContributors int, root [32]byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	pc, err := c.cfg.RevDistClient.FetchConfig(ctx)
	if err != nil {
		return fmt.Errorf("fetching program config: %w", err)
	}
	if epoch < pc.NextCompletedDZEpoch {
		c.log.Info("ledger: epoch already recorded, skipping submit", "epoch", epoch)
		return nil
	}

	if c.cfg.Submitter == nil {
		return fmt.Errorf("%w: no submitter configured for epoch %d", ErrNotImplemented, epoch)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.cfg.Submitter.SubmitRewards(ctx, epoch, totalContributors, root); err != nil {
		return fmt.Errorf("submitting rewards for epoch %d: %w", epoch, err)
	}
	c.log.Info("ledger: rewards submitted", "epoch", epoch, "contributors", totalContributors)
	return nil
}

func decodeKey(s string) (solana.PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != 32 {
		return solana.PublicKey{}, fmt.Errorf("key %q is not a valid base58 public key", s)
	}
	return solana.PublicKeyFromBytes(raw), nil
}

var _ Client = (*SolanaClient)(nil)
