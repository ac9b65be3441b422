package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/consortium/internal/controlbox"
	"github.com/dreamware/consortium/internal/workspace"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		steps   int
	}{
		{
			name: "yaml",
			input: `
name: averages
steps:
  - computation: mean
    iterations: 2
    inputs:
      site-a: [1, 2]
      site-b: [3]
`,
			steps: 1,
		},
		{
			name:  "json",
			input: `{"steps":[{"computation":"mean"},{"computation":"mean"}]}`,
			steps: 2,
		},
		{name: "no steps", input: `name: empty`, wantErr: true},
		{name: "missing computation", input: `steps: [{iterations: 1}]`, wantErr: true},
		{name: "negative iterations", input: `steps: [{computation: mean, iterations: -1}]`, wantErr: true},
		{name: "malformed", input: `steps: [`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseSpec([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, spec.Steps, tt.steps)
		})
	}
}

func TestParseSpecInputs(t *testing.T) {
	spec, err := ParseSpec([]byte("steps:\n  - computation: mean\n    inputs:\n      site-a: [1.5, 2.5]\n"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5}, spec.Steps[0].Inputs["site-a"])
}

func TestModeValid(t *testing.T) {
	assert.True(t, ModeLocal.Valid())
	assert.True(t, ModeRemote.Valid())
	assert.False(t, Mode("hybrid").Valid())
}

func TestMeanLocal(t *testing.T) {
	out, err := Mean{}.Local(context.Background(), Invocation{Values: []float64{1, 2, 3}})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.JSONEq(t, `{"sum":6,"count":3}`, string(out.Output))
}

func TestMeanRemote(t *testing.T) {
	input := json.RawMessage(`{"output":{"site-a":{"sum":6,"count":3},"site-b":{"sum":4,"count":1}}}`)

	out, err := Mean{}.Remote(context.Background(), Invocation{Input: input, Iteration: 1, MaxIterations: 2})
	require.NoError(t, err)
	assert.False(t, out.Success)

	out, err = Mean{}.Remote(context.Background(), Invocation{Input: input, Iteration: 2, MaxIterations: 2})
	require.NoError(t, err)
	assert.True(t, out.Success)

	var res MeanResult
	require.NoError(t, json.Unmarshal(out.Output, &res))
	assert.Equal(t, MeanResult{Mean: 2.5, Count: 4, Iteration: 2}, res)
}

func TestMeanRemoteNoValues(t *testing.T) {
	_, err := Mean{}.Remote(context.Background(), Invocation{
		Input:     json.RawMessage(`{"output":{"site-a":{"sum":0,"count":0}}}`),
		Iteration: 1,
	})
	assert.ErrorIs(t, err, ErrNoValues)
}

func TestFactoryRejectsBadInput(t *testing.T) {
	factory := NewFactory()
	spec := Spec{Steps: []Step{{Computation: "mean"}}}

	_, err := factory.Create(Spec{}, "run-1", Options{Mode: ModeLocal})
	assert.ErrorIs(t, err, ErrEmptySpec)

	_, err = factory.Create(spec, "run-1", Options{Mode: "hybrid"})
	assert.Error(t, err)

	_, err = factory.Create(Spec{Steps: []Step{{Computation: "median"}}}, "run-1", Options{Mode: ModeLocal})
	assert.ErrorContains(t, err, "unknown computation")

	exec, err := factory.Create(spec, "run-1", Options{Mode: ModeLocal})
	require.NoError(t, err)
	assert.Equal(t, "run-1", exec.ID())
}

// recordingRemote answers exchanges from a script and records requests.
type recordingRemote struct {
	replies  []json.RawMessage
	requests []ExchangeRequest
}

func (r *recordingRemote) handle(_ context.Context, req ExchangeRequest) (json.RawMessage, error) {
	r.requests = append(r.requests, req)
	if req.TransmitOnly {
		return nil, nil
	}
	if len(r.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	reply := r.replies[0]
	r.replies = r.replies[1:]
	return reply, nil
}

func TestPipelineLocal(t *testing.T) {
	root := t.TempDir()
	paths := workspace.PathsFor(root, "site-a", "run-1")
	require.NoError(t, workspace.Provision(context.Background(), paths))

	spec := Spec{Steps: []Step{{
		Computation: "mean",
		Iterations:  2,
		Inputs:      map[string][]float64{"site-a": {2, 4}},
	}}}
	exec, err := NewFactory().Create(spec, "run-1", Options{Mode: ModeLocal, ClientID: "site-a", OperatingDirectory: root})
	require.NoError(t, err)

	remote := &recordingRemote{replies: []json.RawMessage{
		json.RawMessage(`{"output":{"mean":3,"count":2,"iteration":1},"success":false}`),
		json.RawMessage(`{"output":{"mean":3,"count":2,"iteration":2},"success":true}`),
	}}
	var updates []Progress
	out, err := exec.Run(context.Background(), remote.handle, func(p Progress) { updates = append(updates, p) })
	require.NoError(t, err)

	assert.JSONEq(t, `{"mean":3,"count":2,"iteration":2}`, string(out))
	require.Len(t, remote.requests, 2)
	for _, req := range remote.requests {
		assert.False(t, req.Noop)
		assert.JSONEq(t, `{"sum":6,"count":2}`, string(req.Input))
	}
	assert.NotEmpty(t, updates)

	step, iteration := exec.Position()
	assert.Equal(t, 0, step)
	assert.Equal(t, 2, iteration)

	written, err := os.ReadFile(paths.OutputPath())
	require.NoError(t, err)
	assert.JSONEq(t, string(out), string(written))
}

func TestPipelineRemote(t *testing.T) {
	spec := Spec{Steps: []Step{{Computation: "mean", Iterations: 2}}}
	exec, err := NewFactory().Create(spec, "run-1", Options{Mode: ModeRemote, ClientID: "hub"})
	require.NoError(t, err)

	aggregate := json.RawMessage(`{"output":{"site-a":{"sum":6,"count":2},"site-b":{"sum":3,"count":1}}}`)
	remote := &recordingRemote{replies: []json.RawMessage{aggregate, aggregate}}

	out, err := exec.Run(context.Background(), remote.handle, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mean":3,"count":3,"iteration":2}`, string(out))

	require.Len(t, remote.requests, 3)
	assert.True(t, remote.requests[0].Noop, "first exchange waits for the first aggregate")

	var mid controlbox.Output
	require.NoError(t, json.Unmarshal(remote.requests[1].Input, &mid))
	assert.False(t, mid.Success)

	var final controlbox.Output
	require.NoError(t, json.Unmarshal(remote.requests[2].Input, &final))
	assert.True(t, remote.requests[2].TransmitOnly)
	assert.True(t, final.Success)
}

func TestPipelineRemoteHandlerError(t *testing.T) {
	spec := Spec{Steps: []Step{{Computation: "mean"}}}
	exec, err := NewFactory().Create(spec, "run-1", Options{Mode: ModeRemote})
	require.NoError(t, err)

	boom := errors.New("participant failed")
	_, err = exec.Run(context.Background(), func(context.Context, ExchangeRequest) (json.RawMessage, error) {
		return nil, boom
	}, nil)
	assert.ErrorIs(t, err, boom)
}

type failingComputation struct{}

func (failingComputation) Local(context.Context, Invocation) (controlbox.Output, error) {
	return controlbox.Output{}, errors.New("local exploded")
}

func (failingComputation) Remote(context.Context, Invocation) (controlbox.Output, error) {
	return controlbox.Output{}, errors.New("remote exploded")
}

func TestPipelineComputationError(t *testing.T) {
	factory := NewFactory(WithComputation("fail", failingComputation{}))
	exec, err := factory.Create(Spec{Steps: []Step{{Computation: "fail"}}}, "run-1", Options{Mode: ModeLocal})
	require.NoError(t, err)

	remote := &recordingRemote{}
	_, err = exec.Run(context.Background(), remote.handle, nil)
	assert.ErrorContains(t, err, "local exploded")
	assert.Empty(t, remote.requests)
}

func TestPipelineCanceled(t *testing.T) {
	exec, err := NewFactory().Create(Spec{Steps: []Step{{Computation: "mean"}}}, "run-1", Options{Mode: ModeLocal})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = exec.Run(ctx, (&recordingRemote{}).handle, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
