package api

import (
	"context"
	"strings"

	"github.com/dreamware/consortium/internal/cluster"
	"github.com/dreamware/consortium/internal/run"
)

// Submit posts a run to the node API at baseURL.
func Submit(ctx context.Context, baseURL string, req RunRequest) (StartPipelineResponse, error) {
	var resp StartPipelineResponse
	err := cluster.PostJSON(ctx, strings.TrimSuffix(baseURL, "/")+"/startPipeline", StartPipelineRequest{Run: req}, &resp)
	return resp, err
}

// FetchState reads the latest snapshot of a run from the node API at baseURL.
func FetchState(ctx context.Context, baseURL, runID string) (run.Snapshot, error) {
	var snap run.Snapshot
	err := cluster.GetJSON(ctx, strings.TrimSuffix(baseURL, "/")+"/runs/"+runID+"/state", &snap)
	return snap, err
}
