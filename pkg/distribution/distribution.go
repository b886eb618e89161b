// Package distribution apportions a revenue total across a normalized share
// set. All math is integer: each payout is floor(total * units / TotalUnits)
// plus largest-remainder correction, so payouts always sum to exactly the
// distributed total.
package distribution

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/contributor-rewards/pkg/rewards"
)

var (
	// ErrInvalidRevenue indicates a revenue total that cannot be
	// distributed, for example one that would overflow the unit math.
	ErrInvalidRevenue = errors.New("invalid revenue total")

	// ErrZeroRevenue flags the degenerate epoch with nothing to
	// distribute. Distribute still returns a valid all-zero payout set in
	// that case; callers check the sentinel to annotate the run.
	ErrZeroRevenue = errors.New("zero revenue for epoch")
)

// Payout is one contributor's absolute reward amount for an epoch, in the
// smallest indivisible revenue unit (lamports for SOL-denominated pools).
type Payout struct {
	Key    solana.PublicKey
	Amount uint64
}

// PayoutSet is the ordered payout list for an epoch, sorted by contributor
// key bytes ascending. Ordering is part of the commitment contract: Merkle
// leaf indices are positions in this list.
type PayoutSet struct {
	Epoch   uint64
	Total   uint64
	Payouts []Payout
}

// AmountTotal returns the sum of all payout amounts. Always equals Total
// for a set produced by Distribute.
func (p *PayoutSet) AmountTotal() uint64 {
	var sum uint64
	for _, po := range p.Payouts {
		sum += po.Amount
	}
	return sum
}

// Distribute apportions total across the share set. Shares are fixed-point
// units out of rewards.TotalUnits; the exact quota total*units/TotalUnits is
// computed in 128 bits so no revenue magnitude representable in uint64 can
// overflow. Leftover indivisible units go to the largest fractional
// remainders, ties broken by contributor key bytes ascending.
//
// A zero total yields a valid all-zero payout set and the ErrZeroRevenue
// sentinel alongside it.
func Distribute(total uint64, shares *rewards.ShareSet) (*PayoutSet, error) {
	if shares == nil {
		return nil, fmt.Errorf("%w: nil share set", ErrInvalidRevenue)
	}
	if got := shares.UnitsTotal(); len(shares.Shares) > 0 && got != rewards.TotalUnits {
		return nil, fmt.Errorf("%w: share units sum to %d, want %d",
			ErrInvalidRevenue, got, rewards.TotalUnits)
	}
	for i := 1; i < len(shares.Shares); i++ {
		if bytes.Compare(shares.Shares[i-1].Key[:], shares.Shares[i].Key[:]) >= 0 {
			return nil, fmt.Errorf("%w: share set is not key-ordered", ErrInvalidRevenue)
		}
	}

	set := &PayoutSet{
		Epoch:   shares.Epoch,
		Total:   total,
		Payouts: make([]Payout, len(shares.Shares)),
	}
	for i, sh := range shares.Shares {
		set.Payouts[i] = Payout{Key: sh.Key}
	}
	if total == 0 {
		return set, ErrZeroRevenue
	}
	if len(shares.Shares) == 0 {
		return nil, fmt.Errorf("%w: revenue %d with no shares", ErrInvalidRevenue, total)
	}

	// quota_i = total * units_i / TotalUnits, exact in 128 bits. The
	// remainder of that division is the fractional part scaled by
	// TotalUnits, which is all the ordering needs.
	type rem struct {
		idx       int
		remainder uint64
	}
	rems := make([]rem, len(shares.Shares))
	var allocated uint64
	for i, sh := range shares.Shares {
		hi, lo := bits.Mul64(total, sh.Units)
		q, r := bits.Div64(hi, lo, rewards.TotalUnits)
		set.Payouts[i].Amount = q
		rems[i] = rem{idx: i, remainder: r}
		allocated += q
	}

	leftover := total - allocated
	sort.SliceStable(rems, func(a, b int) bool {
		return rems[a].remainder > rems[b].remainder
	})
	for i := uint64(0); i < leftover; i++ {
		set.Payouts[rems[i].idx].Amount++
	}

	return set, nil
}
