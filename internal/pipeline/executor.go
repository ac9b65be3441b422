package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dreamware/consortium/internal/controlbox"
	"github.com/dreamware/consortium/internal/workspace"
)

// Progress.Status values reported by Pipeline.
const (
	statusRunning  = "running"
	statusWaiting  = "waiting"
	statusStepDone = "step done"
)

// Pipeline is the reference decentralized executor. It runs the steps of a
// Spec in order; each step loops on the control box until its computation
// succeeds.
type Pipeline struct {
	computations map[string]Computation
	runID        string
	opts         Options
	spec         Spec
	step         int
	iteration    int
	mu           sync.Mutex
}

// FactoryOption customizes the factory returned by NewFactory.
type FactoryOption func(map[string]Computation)

// WithComputation registers c under name, replacing any built-in.
func WithComputation(name string, c Computation) FactoryOption {
	return func(m map[string]Computation) {
		m[name] = c
	}
}

// NewFactory returns a Factory creating Pipeline executors. The "mean"
// computation is built in.
func NewFactory(opts ...FactoryOption) Factory {
	computations := map[string]Computation{
		"mean": Mean{},
	}
	for _, opt := range opts {
		opt(computations)
	}

	return FactoryFunc(func(spec Spec, runID string, o Options) (Executor, error) {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if !o.Mode.Valid() {
			return nil, fmt.Errorf("unknown mode %q", o.Mode)
		}
		for i, step := range spec.Steps {
			if _, ok := computations[step.Computation]; !ok {
				return nil, fmt.Errorf("step %d: unknown computation %q", i, step.Computation)
			}
		}
		return &Pipeline{
			computations: computations,
			runID:        runID,
			opts:         o,
			spec:         spec,
		}, nil
	})
}

// ID returns the run ID.
func (p *Pipeline) ID() string { return p.runID }

// Position returns the current step and iteration.
func (p *Pipeline) Position() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step, p.iteration
}

func (p *Pipeline) setPosition(step, iteration int) {
	p.mu.Lock()
	p.step, p.iteration = step, iteration
	p.mu.Unlock()
}

// Run executes every step and returns the output of the last one. When an
// operating directory is configured the output is also written to the
// run's output workspace.
func (p *Pipeline) Run(ctx context.Context, remote RemoteHandler, update UpdateFunc) (json.RawMessage, error) {
	if update == nil {
		update = func(Progress) {}
	}

	var previous json.RawMessage
	for i, step := range p.spec.Steps {
		out, err := p.runStep(ctx, i, step, previous, remote, update)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Computation, err)
		}
		previous = out
	}

	if p.opts.OperatingDirectory != "" {
		path := workspace.PathsFor(p.opts.OperatingDirectory, p.opts.ClientID, p.runID).OutputPath()
		if err := os.WriteFile(path, previous, 0o644); err != nil {
			return nil, fmt.Errorf("write output: %w", err)
		}
	}
	return previous, nil
}

func (p *Pipeline) runStep(
	ctx context.Context,
	index int,
	step Step,
	previous json.RawMessage,
	remote RemoteHandler,
	update UpdateFunc,
) (json.RawMessage, error) {
	comp := p.computations[step.Computation]
	cs := controlbox.ControllerState{
		Mode:          string(p.opts.Mode),
		RemoteInitial: p.opts.Mode == ModeRemote,
	}
	progress := func(status string) {
		update(Progress{
			Computation: step.Computation,
			Status:      status,
			Step:        index,
			Iteration:   cs.Iteration,
			TotalSteps:  len(p.spec.Steps),
		})
	}
	p.setPosition(index, 0)

	var input json.RawMessage
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch controlbox.PreIteration(cs) {
		case controlbox.PhaseFirstServerRemote:
			cs.RemoteInitial = false
			progress(statusWaiting)
			in, err := remote(ctx, ExchangeRequest{Noop: true})
			if err != nil {
				return nil, err
			}
			input = in

		case controlbox.PhaseNextIteration:
			cs.Iteration++
			p.setPosition(index, cs.Iteration)
			progress(statusRunning)

			inv := Invocation{
				Input:         input,
				Previous:      previous,
				ClientID:      p.opts.ClientID,
				Values:        step.Inputs[p.opts.ClientID],
				Step:          index,
				Iteration:     cs.Iteration,
				MaxIterations: step.Iterations,
			}
			var (
				out controlbox.Output
				err error
			)
			if p.opts.Mode == ModeRemote {
				out, err = comp.Remote(ctx, inv)
			} else {
				out, err = comp.Local(ctx, inv)
			}
			if err != nil {
				return nil, err
			}
			cs.CurrentOutput = &out
			cs.State = controlbox.StateFinishedIteration

		case controlbox.PhaseRemote:
			progress(statusWaiting)
			if p.opts.Mode == ModeRemote {
				payload, err := json.Marshal(cs.CurrentOutput)
				if err != nil {
					return nil, err
				}
				in, err := remote(ctx, ExchangeRequest{Input: payload})
				if err != nil {
					return nil, err
				}
				input = in
			} else {
				reply, err := remote(ctx, ExchangeRequest{Input: cs.CurrentOutput.Output})
				if err != nil {
					return nil, err
				}
				var out controlbox.Output
				if err := json.Unmarshal(reply, &out); err != nil {
					return nil, fmt.Errorf("decode coordinator output: %w", err)
				}
				cs.CurrentOutput = &out
				input = out.Output
			}
			cs.State = ""

		case controlbox.PhaseDoneRemote:
			payload, err := json.Marshal(cs.CurrentOutput)
			if err != nil {
				return nil, err
			}
			if _, err := remote(ctx, ExchangeRequest{Input: payload, TransmitOnly: true}); err != nil {
				return nil, err
			}
			progress(statusStepDone)
			return cs.CurrentOutput.Output, nil

		case controlbox.PhaseDone:
			progress(statusStepDone)
			return cs.CurrentOutput.Output, nil
		}
	}
}
