package run

import (
	"context"
	"encoding/json"
	"sync"
)

// exchange is the pending result of one cross-node exchange. settled and
// claimed are guarded by the Coordinator's lock; output and err are written
// once before done is closed.
type exchange struct {
	done    chan struct{}
	err     error
	output  json.RawMessage
	settled bool
	// claimed is set once an executor call waits on the exchange. An
	// unclaimed settled exchange holds a result that arrived early.
	claimed bool
}

func newExchange() *exchange {
	return &exchange{done: make(chan struct{})}
}

func (e *exchange) resolve(output json.RawMessage) bool {
	if e.settled {
		return false
	}
	e.output = output
	e.settled = true
	close(e.done)
	return true
}

func (e *exchange) reject(err error) bool {
	if e.settled {
		return false
	}
	e.err = err
	e.settled = true
	close(e.done)
	return true
}

func (e *exchange) wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-e.done:
		return e.output, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result is the eventual outcome of a run's executor.
type Result struct {
	done   chan struct{}
	err    error
	output json.RawMessage
	once   sync.Once
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) settle(output json.RawMessage, err error) {
	r.once.Do(func() {
		r.output = output
		r.err = err
		close(r.done)
	})
}

// Done is closed once the run completed or failed.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends or ctx is done.
func (r *Result) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-r.done:
		return r.output, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
