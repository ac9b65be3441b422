package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/consortium/internal/config"
	"github.com/dreamware/consortium/internal/manager"
	"github.com/dreamware/consortium/internal/pipeline"
	"github.com/dreamware/consortium/internal/run"
)

func newTestAPI(t *testing.T) (*manager.Manager, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Mode = pipeline.ModeRemote
	cfg.RemotePort = 0
	cfg.OperatingDirectory = t.TempDir()

	m, err := manager.New(cfg, manager.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	ts := httptest.NewServer(NewServer(m, zaptest.NewLogger(t)))
	t.Cleanup(ts.Close)
	return m, ts
}

const startBody = `{"run":{"id":"run-1","clients":["site-a","site-b"],"pipelineSnapshot":{"steps":[{"computation":"mean"}]}}}`

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartPipeline(t *testing.T) {
	m, ts := newTestAPI(t)

	resp := post(t, ts.URL+"/startPipeline", startBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started StartPipelineResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, "run-1", started.RunID)

	assert.True(t, m.Registry().HasSlot("site-a", "run-1"))
	assert.Equal(t, []string{"site-a", "site-b"}, m.Registry().WaitingOn("run-1"))

	resp = post(t, ts.URL+"/startPipeline", startBody)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStartPipelineBadRequests(t *testing.T) {
	_, ts := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"run":`},
		{"no steps", `{"run":{"id":"run-1","pipelineSnapshot":{"steps":[]}}}`},
		{"unknown computation", `{"run":{"id":"run-1","clients":["site-a"],"pipelineSnapshot":{"steps":[{"computation":"median"}]}}}`},
		{"no participants", `{"run":{"id":"run-1","pipelineSnapshot":{"steps":[{"computation":"mean"}]}}}`},
		{"empty participants", `{"run":{"id":"run-1","clients":[],"pipelineSnapshot":{"steps":[{"computation":"mean"}]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/startPipeline", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestStartPipelineGeneratesID(t *testing.T) {
	_, ts := newTestAPI(t)

	resp, err := Submit(context.Background(), ts.URL, RunRequest{
		Clients:          []string{"site-a"},
		PipelineSnapshot: pipeline.Spec{Steps: []pipeline.Step{{Computation: "mean"}}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RunID)

	snap, err := FetchState(context.Background(), ts.URL, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, resp.RunID, snap.RunID)
}

func TestRunState(t *testing.T) {
	_, ts := newTestAPI(t)
	post(t, ts.URL+"/startPipeline", startBody)

	snap, err := FetchState(context.Background(), ts.URL, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", snap.RunID)
	assert.False(t, snap.State.Terminal())
	assert.ElementsMatch(t, []string{"site-a", "site-b"}, snap.WaitingOn)

	resp, err := http.Get(ts.URL + "/runs/nope/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid pipeline ID", body.Error)

	var history []run.Snapshot
	resp, err = http.Get(ts.URL + "/runs/run-1/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.NotEmpty(t, history)
	assert.Equal(t, run.StateCreated, history[0].State)
}

func TestListRunsAndClients(t *testing.T) {
	_, ts := newTestAPI(t)
	post(t, ts.URL+"/startPipeline", startBody)

	resp, err := http.Get(ts.URL + "/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var runs struct {
		Runs []string `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	assert.Equal(t, []string{"run-1"}, runs.Runs)

	resp, err = http.Get(ts.URL + "/clients")
	require.NoError(t, err)
	defer resp.Body.Close()
	var clients struct {
		Clients []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&clients))
	require.Len(t, clients.Clients, 2)
	assert.Equal(t, "site-a", clients.Clients[0].ID)
	assert.Equal(t, "unregistered", clients.Clients[0].Status)
}

func TestHealth(t *testing.T) {
	_, ts := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "remote", body["mode"])
}

func TestRunEvents(t *testing.T) {
	m, ts := newTestAPI(t)
	post(t, ts.URL+"/startPipeline", startBody)

	resp, err := http.Get(ts.URL + "/runs/run-1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if event != "" {
					return event, data
				}
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	event, data := readEvent()
	assert.Equal(t, "state", event)
	var snap run.Snapshot
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Equal(t, "run-1", snap.RunID)

	// shutting the node down fails the run and ends the stream
	require.NoError(t, m.Close())
	for {
		event, data = readEvent()
		if event == "end" {
			break
		}
		require.Equal(t, "state", event)
	}
	assert.JSONEq(t, `{"runId":"run-1"}`, data)

	resp, err = http.Get(ts.URL + "/runs/nope/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
