// Package pipeline defines the contract between the run coordination layer
// and the executor that actually drives a pipeline, and ships a reference
// decentralized executor built on the control box.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Mode is the role a node plays in a decentralized run.
type Mode string

const (
	// ModeLocal is a participant contributing its own data partition.
	ModeLocal Mode = "local"
	// ModeRemote is the coordinator aggregating participant outputs.
	ModeRemote Mode = "remote"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeLocal || m == ModeRemote
}

// Options are the per-node settings an executor is created with.
type Options struct {
	Mode               Mode
	OperatingDirectory string
	ClientID           string
}

// ExchangeRequest is one cross-node exchange asked for by an executor.
//
// Noop sends nothing and waits for the result to arrive by other means.
// TransmitOnly sends Input and returns immediately without waiting for the
// remote side.
type ExchangeRequest struct {
	Input        json.RawMessage
	Noop         bool
	TransmitOnly bool
}

// RemoteHandler performs an exchange and blocks until its result arrives,
// the run fails, or ctx is done. Only one exchange per run may be
// outstanding at a time.
type RemoteHandler func(ctx context.Context, req ExchangeRequest) (json.RawMessage, error)

// Progress is the executor's own view of where it is.
type Progress struct {
	Computation string `json:"computation,omitempty"`
	Status      string `json:"status,omitempty"`
	Step        int    `json:"currentStep"`
	Iteration   int    `json:"iteration"`
	TotalSteps  int    `json:"totalSteps"`
}

// UpdateFunc receives progress updates while an executor runs.
type UpdateFunc func(Progress)

// Executor drives one pipeline run to completion.
type Executor interface {
	// ID returns the run identifier the executor was created for.
	ID() string
	// Run executes the pipeline, calling remote whenever cross-node
	// synchronization is needed, and returns the final output.
	Run(ctx context.Context, remote RemoteHandler, update UpdateFunc) (json.RawMessage, error)
	// Position returns the current step index and the controller
	// iteration within it.
	Position() (step, iteration int)
}

// Factory creates executors.
type Factory interface {
	Create(spec Spec, runID string, opts Options) (Executor, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(spec Spec, runID string, opts Options) (Executor, error)

// Create calls f.
func (f FactoryFunc) Create(spec Spec, runID string, opts Options) (Executor, error) {
	return f(spec, runID, opts)
}

// Spec describes a pipeline: an ordered list of steps, each running one
// computation until it reports success.
type Spec struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// Step is one computation of a pipeline. Inputs maps a client ID to the
// values that client contributes.
type Step struct {
	Inputs      map[string][]float64 `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	ID          string               `json:"id,omitempty" yaml:"id,omitempty"`
	Computation string               `json:"computation" yaml:"computation"`
	Iterations  int                  `json:"iterations,omitempty" yaml:"iterations,omitempty"`
}

// ErrEmptySpec is returned for a spec without steps.
var ErrEmptySpec = errors.New("pipeline spec has no steps")

// Validate checks the spec's structure.
func (s Spec) Validate() error {
	if len(s.Steps) == 0 {
		return ErrEmptySpec
	}
	for i, step := range s.Steps {
		if step.Computation == "" {
			return fmt.Errorf("step %d: computation is required", i)
		}
		if step.Iterations < 0 {
			return fmt.Errorf("step %d: iterations must not be negative", i)
		}
	}
	return nil
}

// ParseSpec decodes a YAML (or JSON, which is valid YAML) spec.
func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}
