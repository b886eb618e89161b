package ledger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contributor-rewards/pkg/ledger"
)

func writeSnapshot(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLedger_SnapshotClient_ServesSnapshotValues(t *testing.T) {
	t.Parallel()

	denied := solana.PublicKeyFromBytes([]byte{9: 1, 31: 7})
	path := writeSnapshot(t, `{
		"current_epoch": 101,
		"current_slot": 43632000,
		"revenue": {"100": 1000000},
		"deny_list": {"100": ["`+denied.String()+`"]}
	}`)

	client, err := ledger.NewSnapshotClient(path, nil)
	require.NoError(t, err)

	info, err := client.EpochInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, ledger.EpochInfo{Epoch: 101, Slot: 43_632_000}, info)

	rev, err := client.DistributableRevenue(t.Context(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), rev.Total)

	denyList, err := client.DenyList(t.Context(), 100)
	require.NoError(t, err)
	require.Len(t, denyList, 1)
	assert.Equal(t, denied, denyList[0])
}

func TestLedger_SnapshotClient_LiveEpochOverridesSnapshot(t *testing.T) {
	t.Parallel()

	path := writeSnapshot(t, `{"current_epoch": 101, "current_slot": 1, "revenue": {}, "deny_list": {}}`)

	rpc := &mockEpochRPC{epoch: 205, slot: 88_000_000}
	client, err := ledger.NewSnapshotClient(path, rpc)
	require.NoError(t, err)

	info, err := client.EpochInfo(t.Context())
	require.NoError(t, err)
	assert.Equal(t, ledger.EpochInfo{Epoch: 205, Slot: 88_000_000}, info)
}

func TestLedger_SnapshotClient_SubmitIsIdempotentByEpoch(t *testing.T) {
	t.Parallel()

	path := writeSnapshot(t, `{"current_epoch": 10, "current_slot": 1, "revenue": {"9": 50}, "deny_list": {}}`)
	client, err := ledger.NewSnapshotClient(path, nil)
	require.NoError(t, err)

	root := [32]byte{1, 2, 3}
	require.NoError(t, client.SubmitRewards(t.Context(), 9, 3, root))
	require.NoError(t, client.SubmitRewards(t.Context(), 9, 3, root))

	err = client.SubmitRewards(t.Context(), 9, 3, [32]byte{4})
	assert.Error(t, err)
}

func TestLedger_SnapshotClient_RejectsMalformedFiles(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		contents string
	}{
		{"not json", "nope"},
		{"bad revenue epoch", `{"revenue": {"x": 1}}`},
		{"bad deny epoch", `{"deny_list": {"x": []}}`},
		{"bad deny key", `{"deny_list": {"5": ["not-a-key"]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ledger.NewSnapshotClient(writeSnapshot(t, tc.contents), nil)
			assert.Error(t, err)
		})
	}

	_, err := ledger.NewSnapshotClient(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}
