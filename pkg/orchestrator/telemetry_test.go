package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/contributor-rewards/pkg/orchestrator"
)

func TestOrchestrator_FileTelemetry_ReadsEpochFromSnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "telemetry.json")
	contents := `{
		"100": [
			{"key": "11111111111111111111111111111111", "metrics": {"uptime": 0.99}}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	source := orchestrator.NewFileTelemetry(path)

	contributors, err := source.FetchEpoch(t.Context(), 100)
	require.NoError(t, err)
	require.Len(t, contributors, 1)
	assert.Equal(t, "11111111111111111111111111111111", contributors[0].Key)
	assert.Equal(t, 0.99, contributors[0].Metrics["uptime"])

	_, err = source.FetchEpoch(t.Context(), 101)
	assert.Error(t, err)
}

func TestOrchestrator_FileTelemetry_Failures(t *testing.T) {
	t.Parallel()

	_, err := orchestrator.NewFileTelemetry(filepath.Join(t.TempDir(), "missing.json")).FetchEpoch(t.Context(), 1)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))
	_, err = orchestrator.NewFileTelemetry(path).FetchEpoch(t.Context(), 1)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = orchestrator.NewFileTelemetry(path).FetchEpoch(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
