package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/malbeclabs/contributor-rewards/pkg/dataprep"
)

// FileTelemetry reads contributor metrics from a JSON snapshot file:
// a map of epoch (as a decimal string) to raw contributor list. Snapshot
// files are the offline input path for reruns and audits.
type FileTelemetry struct {
	path string
}

func NewFileTelemetry(path string) *FileTelemetry {
	return &FileTelemetry{path: path}
}

func (f *FileTelemetry) FetchEpoch(ctx context.Context, epoch uint64) ([]dataprep.RawContributor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading telemetry snapshot %s: %w", f.path, err)
	}
	var byEpoch map[string][]dataprep.RawContributor
	if err := json.Unmarshal(data, &byEpoch); err != nil {
		return nil, fmt.Errorf("decoding telemetry snapshot %s: %w", f.path, err)
	}
	contributors, ok := byEpoch[fmt.Sprintf("%d", epoch)]
	if !ok {
		return nil, fmt.Errorf("telemetry snapshot %s has no epoch %d", f.path, epoch)
	}
	return contributors, nil
}

var _ TelemetrySource = (*FileTelemetry)(nil)
