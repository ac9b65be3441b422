package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dreamware/consortium/internal/controlbox"
)

// Invocation is the input of one computation iteration.
type Invocation struct {
	// Input is the aggregate of participant outputs on the coordinator, or
	// the coordinator's last output on a participant (nil on the first
	// participant iteration of a step).
	Input json.RawMessage
	// Previous is the final output of the previous step, if any.
	Previous json.RawMessage
	ClientID string
	// Values are the client's own data for the step.
	Values        []float64
	Step          int
	Iteration     int
	MaxIterations int
}

// Computation is one decentralized algorithm: a local half run by every
// participant and a remote half run by the coordinator.
type Computation interface {
	Local(ctx context.Context, inv Invocation) (controlbox.Output, error)
	Remote(ctx context.Context, inv Invocation) (controlbox.Output, error)
}

// ErrNoValues is returned by Mean when no participant contributed a value.
var ErrNoValues = errors.New("no values to average")

// Mean averages the values of every participant. Participants report their
// partial sum and count; the coordinator combines them and reports the
// global mean, succeeding once MaxIterations rounds ran.
type Mean struct{}

type partialSum struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

// MeanResult is the output of the Mean computation.
type MeanResult struct {
	Mean      float64 `json:"mean"`
	Count     int     `json:"count"`
	Iteration int     `json:"iteration"`
}

// Local reports the participant's partial sum.
func (Mean) Local(_ context.Context, inv Invocation) (controlbox.Output, error) {
	var p partialSum
	for _, v := range inv.Values {
		p.Sum += v
	}
	p.Count = len(inv.Values)

	out, err := json.Marshal(p)
	if err != nil {
		return controlbox.Output{}, err
	}
	return controlbox.Output{Output: out}, nil
}

// Remote combines the partial sums of every participant.
func (Mean) Remote(_ context.Context, inv Invocation) (controlbox.Output, error) {
	var aggregate struct {
		Output map[string]partialSum `json:"output"`
	}
	if err := json.Unmarshal(inv.Input, &aggregate); err != nil {
		return controlbox.Output{}, fmt.Errorf("decode participant outputs: %w", err)
	}

	var total partialSum
	for _, p := range aggregate.Output {
		total.Sum += p.Sum
		total.Count += p.Count
	}
	if total.Count == 0 {
		return controlbox.Output{}, ErrNoValues
	}

	out, err := json.Marshal(MeanResult{
		Mean:      total.Sum / float64(total.Count),
		Count:     total.Count,
		Iteration: inv.Iteration,
	})
	if err != nil {
		return controlbox.Output{}, err
	}

	maxIterations := inv.MaxIterations
	if maxIterations < 1 {
		maxIterations = 1
	}
	return controlbox.Output{Output: out, Success: inv.Iteration >= maxIterations}, nil
}
