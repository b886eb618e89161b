// Package merkle commits an epoch's payout set to a single root hash and
// produces per-payout inclusion proofs.
//
// Leaves and interior nodes hash under distinct domain prefixes so a leaf
// can never be reinterpreted as a node (or vice versa), and every leaf binds
// the epoch number so proofs cannot be replayed across epochs. An odd node
// at any level is carried up unchanged rather than paired with itself.
package merkle

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/contributor-rewards/pkg/distribution"
)

// ErrIndexOutOfRange indicates a proof request for a leaf index outside the
// payout set.
var ErrIndexOutOfRange = errors.New("leaf index out of range")

const (
	leafPrefix = byte(0x00)
	nodePrefix = byte(0x01)
)

// HashSize is the byte length of roots, leaves, and proof steps.
const HashSize = sha256.Size

// Tree is the commitment over one epoch's payout set. Leaf i corresponds to
// payout i in the key-ordered payout list.
type Tree struct {
	epoch  uint64
	leaves [][HashSize]byte
	// levels[0] is the leaf level; levels[len-1] has exactly one node,
	// the root.
	levels [][][HashSize]byte
}

// NewTree builds the commitment tree for a payout set. The payout ordering
// is taken as-is; callers pass sets produced by distribution.Distribute,
// which are key-ordered.
func NewTree(set *distribution.PayoutSet) (*Tree, error) {
	if set == nil || len(set.Payouts) == 0 {
		return nil, errors.New("payout set is empty")
	}

	leaves := make([][HashSize]byte, len(set.Payouts))
	for i, p := range set.Payouts {
		leaves[i] = LeafHash(set.Epoch, p)
	}

	levels := [][][HashSize]byte{leaves}
	for level := leaves; len(level) > 1; {
		next := make([][HashSize]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			// Odd node carries up unchanged.
			next = append(next, level[len(level)-1])
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{
		epoch:  set.Epoch,
		leaves: leaves,
		levels: levels,
	}, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() [HashSize]byte {
	return t.levels[len(t.levels)-1][0]
}

// NumLeaves returns the number of committed payouts.
func (t *Tree) NumLeaves() int {
	return len(t.leaves)
}

// ProofStep is one sibling hash on the path from a leaf to the root. Left
// reports whether the sibling sits to the left of the running hash.
type ProofStep struct {
	Hash [HashSize]byte
	Left bool
}

// Proof returns the inclusion proof for leaf index. A carried-up odd node
// contributes no step at that level.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= len(t.leaves) {
		return nil, fmt.Errorf("%w: index %d, %d leaves", ErrIndexOutOfRange, index, len(t.leaves))
	}

	var steps []ProofStep
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := pos ^ 1
		if sibling < len(level) {
			steps = append(steps, ProofStep{
				Hash: level[sibling],
				Left: sibling < pos,
			})
		}
		pos /= 2
	}
	return steps, nil
}

// VerifyProof checks that the payout is committed at the given epoch under
// root. Comparison is constant time; verification may run against
// attacker-chosen proofs.
func VerifyProof(root [HashSize]byte, epoch uint64, payout distribution.Payout, steps []ProofStep) bool {
	h := LeafHash(epoch, payout)
	for _, s := range steps {
		if s.Left {
			h = nodeHash(s.Hash, h)
		} else {
			h = nodeHash(h, s.Hash)
		}
	}
	return subtle.ConstantTimeCompare(h[:], root[:]) == 1
}

// LeafHash hashes one payout under the leaf domain:
// sha256(0x00 ∥ key ∥ amount BE8 ∥ epoch BE8).
func LeafHash(epoch uint64, p distribution.Payout) [HashSize]byte {
	const keyLen = len(solana.PublicKey{})
	var buf [1 + keyLen + 8 + 8]byte
	buf[0] = leafPrefix
	copy(buf[1:], p.Key[:])
	binary.BigEndian.PutUint64(buf[1+keyLen:], p.Amount)
	binary.BigEndian.PutUint64(buf[1+keyLen+8:], epoch)
	return sha256.Sum256(buf[:])
}

func nodeHash(left, right [HashSize]byte) [HashSize]byte {
	var buf [1 + 2*HashSize]byte
	buf[0] = nodePrefix
	copy(buf[1:], left[:])
	copy(buf[1+HashSize:], right[:])
	return sha256.Sum256(buf[:])
}
