// Package recorder persists the per-epoch rewards manifest: a versioned,
// self-describing JSON document carrying the payout list, the commitment
// root, and an inclusion proof per payout. Storage backends are local disk
// (atomic temp-and-rename) and S3.
package recorder

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/malbeclabs/contributor-rewards/pkg/distribution"
	"github.com/malbeclabs/contributor-rewards/pkg/merkle"
)

// FormatVersion identifies the manifest schema. Readers reject versions
// they do not understand.
const FormatVersion = 1

// ManifestEntry is one payout with its inclusion proof. Proof steps are
// hex-encoded sibling hashes; Left marks siblings on the left of the path.
type ManifestEntry struct {
	Contributor string   `json:"contributor"` // base58 key
	Amount      uint64   `json:"amount"`
	Proof       []string `json:"proof"`
	ProofLeft   []bool   `json:"proof_left"`
}

// Manifest is the persisted record of one epoch's finalized rewards.
type Manifest struct {
	FormatVersion int             `json:"format_version"`
	Epoch         uint64          `json:"epoch"`
	Root          string          `json:"root"` // hex
	Total         uint64          `json:"total"`
	Slot          uint64          `json:"slot"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Entries       []ManifestEntry `json:"entries"`
}

// BuildManifest assembles the manifest for a payout set and its commitment
// tree. Entries follow the payout set's key ordering; the manifest is
// byte-stable for identical inputs aside from GeneratedAt.
func BuildManifest(set *distribution.PayoutSet, tree *merkle.Tree, slot uint64, generatedAt time.Time) (*Manifest, error) {
	if set == nil || tree == nil {
		return nil, errors.New("payout set and tree are required")
	}
	if tree.NumLeaves() != len(set.Payouts) {
		return nil, fmt.Errorf("tree has %d leaves for %d payouts", tree.NumLeaves(), len(set.Payouts))
	}

	root := tree.Root()
	m := &Manifest{
		FormatVersion: FormatVersion,
		Epoch:         set.Epoch,
		Root:          hex.EncodeToString(root[:]),
		Total:         set.Total,
		Slot:          slot,
		GeneratedAt:   generatedAt.UTC(),
		Entries:       make([]ManifestEntry, len(set.Payouts)),
	}
	for i, p := range set.Payouts {
		steps, err := tree.Proof(i)
		if err != nil {
			return nil, fmt.Errorf("building proof for payout %d: %w", i, err)
		}
		entry := ManifestEntry{
			Contributor: p.Key.String(),
			Amount:      p.Amount,
			Proof:       make([]string, len(steps)),
			ProofLeft:   make([]bool, len(steps)),
		}
		for j, s := range steps {
			entry.Proof[j] = hex.EncodeToString(s.Hash[:])
			entry.ProofLeft[j] = s.Left
		}
		m.Entries[i] = entry
	}
	return m, nil
}

// Encode renders the manifest as indented JSON with a trailing newline.
func (m *Manifest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeManifest parses and structurally validates a manifest document.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("unsupported manifest format version %d", m.FormatVersion)
	}
	if _, err := decodeHash(m.Root); err != nil {
		return nil, fmt.Errorf("manifest root: %w", err)
	}
	return &m, nil
}

// Verify checks the manifest's internal consistency: amounts sum to Total,
// contributors are ordered and unique, and every entry's proof verifies
// against the root.
func (m *Manifest) Verify() error {
	root, err := decodeHash(m.Root)
	if err != nil {
		return fmt.Errorf("manifest root: %w", err)
	}

	var sum uint64
	keys := make([][]byte, len(m.Entries))
	for i, e := range m.Entries {
		sum += e.Amount

		payout, err := e.payout()
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		keys[i] = payout.Key[:]

		steps, err := e.proofSteps()
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if !merkle.VerifyProof(root, m.Epoch, payout, steps) {
			return fmt.Errorf("entry %d (%s): proof does not verify against root", i, e.Contributor)
		}
	}
	if sum != m.Total {
		return fmt.Errorf("entry amounts sum to %d, manifest total is %d", sum, m.Total)
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			return errors.New("manifest entries are not contributor-ordered")
		}
	}
	return nil
}

func (e ManifestEntry) payout() (distribution.Payout, error) {
	raw, err := base58.Decode(e.Contributor)
	if err != nil || len(raw) != 32 {
		return distribution.Payout{}, fmt.Errorf("contributor %q is not a valid base58 key", e.Contributor)
	}
	return distribution.Payout{
		Key:    solana.PublicKeyFromBytes(raw),
		Amount: e.Amount,
	}, nil
}

func (e ManifestEntry) proofSteps() ([]merkle.ProofStep, error) {
	if len(e.Proof) != len(e.ProofLeft) {
		return nil, fmt.Errorf("proof has %d hashes and %d side markers", len(e.Proof), len(e.ProofLeft))
	}
	steps := make([]merkle.ProofStep, len(e.Proof))
	for i, h := range e.Proof {
		hash, err := decodeHash(h)
		if err != nil {
			return nil, fmt.Errorf("proof step %d: %w", i, err)
		}
		steps[i] = merkle.ProofStep{Hash: hash, Left: e.ProofLeft[i]}
	}
	return steps, nil
}

func decodeHash(s string) ([merkle.HashSize]byte, error) {
	var out [merkle.HashSize]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != merkle.HashSize {
		return out, fmt.Errorf("%q is not a %d-byte hex hash", s, merkle.HashSize)
	}
	copy(out[:], raw)
	return out, nil
}
