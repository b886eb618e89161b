package journal_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contributor-rewards/pkg/journal"
)

func testEntry(epoch uint64) journal.Entry {
	return journal.Entry{
		Epoch:       epoch,
		Root:        strings.Repeat("ab", 32),
		Total:       1000,
		Payees:      3,
		Slot:        epoch * 432_000,
		FinalizedAt: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestJournal_Check_GenesisAcceptsAnyEpoch(t *testing.T) {
	t.Parallel()
	log := journal.NewMemoryLog()

	require.NoError(t, journal.Check(log, 1))
	require.NoError(t, journal.Check(log, 500))
}

func TestJournal_Check_RequiresSuccessor(t *testing.T) {
	t.Parallel()
	log := journal.NewMemoryLog()
	require.NoError(t, log.Append(testEntry(100)))

	require.NoError(t, journal.Check(log, 101))

	// Already finalized.
	require.ErrorIs(t, journal.Check(log, 100), journal.ErrStaleJournal)
	// Gap ahead.
	require.ErrorIs(t, journal.Check(log, 102), journal.ErrStaleJournal)
	// Behind.
	require.ErrorIs(t, journal.Check(log, 50), journal.ErrStaleJournal)
}

func TestJournal_MemoryLog_AppendEnforcesOrder(t *testing.T) {
	t.Parallel()
	log := journal.NewMemoryLog()

	require.NoError(t, log.Append(testEntry(10)))
	require.NoError(t, log.Append(testEntry(11)))
	require.ErrorIs(t, log.Append(testEntry(11)), journal.ErrStaleJournal)
	require.ErrorIs(t, log.Append(testEntry(13)), journal.ErrStaleJournal)

	last, ok, err := log.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(11), last.Epoch)
	assert.Len(t, log.Entries(), 2)
}

func TestJournal_ValidateEntry(t *testing.T) {
	t.Parallel()
	log := journal.NewMemoryLog()

	bad := testEntry(1)
	bad.Root = "not-hex"
	require.Error(t, log.Append(bad))

	short := testEntry(1)
	short.Root = "abcd"
	require.Error(t, log.Append(short))
}

func TestJournal_FileLog_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	log, err := journal.NewFileLog(path)
	require.NoError(t, err)

	_, ok, err := log.Last()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, log.Append(testEntry(5)))
	require.NoError(t, log.Append(testEntry(6)))
	require.ErrorIs(t, log.Append(testEntry(8)), journal.ErrStaleJournal)

	// A fresh handle over the same file sees the persisted state.
	reopened, err := journal.NewFileLog(path)
	require.NoError(t, err)
	last, ok, err := reopened.Last()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testEntry(6), last)

	entries, err := reopened.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(5), entries[0].Epoch)
}

func TestJournal_FileLog_RejectsGappedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal.jsonl")

	lines := []string{
		`{"epoch":5,"root":"` + strings.Repeat("ab", 32) + `","total":1,"payees":1,"finalized_at":"2025-06-01T00:00:00Z"}`,
		`{"epoch":7,"root":"` + strings.Repeat("ab", 32) + `","total":1,"payees":1,"finalized_at":"2025-06-01T00:00:00Z"}`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	log, err := journal.NewFileLog(path)
	require.NoError(t, err)
	_, _, err = log.Last()
	require.Error(t, err)
}

func TestJournal_FormatEntry(t *testing.T) {
	t.Parallel()
	s := journal.FormatEntry(testEntry(9))
	assert.Contains(t, s, "epoch 9")
	assert.Contains(t, s, "3 payees")
	assert.Contains(t, s, strings.Repeat("ab", 32))
}
