// Package controlbox decides the next phase of one decentralized iteration.
//
// The decision is a pure function of a controller state snapshot; it has no
// side effects and no dependencies, so both roles of a pipeline (remote and
// local) can evaluate it on every loop turn.
package controlbox

import "encoding/json"

// Phase names the transition the pipeline loop should take next.
type Phase string

const (
	// PhaseDoneRemote finishes a step on the coordinator after a successful output.
	PhaseDoneRemote Phase = "doneRemote"
	// PhaseDone finishes a step on a participant after a successful output.
	PhaseDone Phase = "done"
	// PhaseFirstServerRemote makes the coordinator wait for the first aggregate.
	PhaseFirstServerRemote Phase = "firstServerRemote"
	// PhaseRemote exchanges the iteration output with the remote peer(s).
	PhaseRemote Phase = "remote"
	// PhaseNextIteration runs the next computation iteration.
	PhaseNextIteration Phase = "nextIteration"
)

// ModeRemote is the controller mode of the coordinator node.
const ModeRemote = "remote"

// Iteration states consulted by PreIteration.
const (
	StateFinishedIteration          = "finished iteration"
	StateFinishedIterationWithError = "finished iteration with error"
)

// Output is the result of one computation iteration.
type Output struct {
	Output  json.RawMessage `json:"output,omitempty"`
	Success bool            `json:"success"`
}

// ControllerState is the snapshot PreIteration decides on.
type ControllerState struct {
	CurrentOutput *Output
	Mode          string
	State         string
	Iteration     int
	RemoteInitial bool
}

// PreIteration maps a controller state to the next phase. Rules are evaluated
// in priority order and the first match wins:
//
//  1. successful output in remote mode → doneRemote
//  2. successful output → done
//  3. remoteInitial set → firstServerRemote
//  4. iteration finished (with or without error) → remote
//  5. otherwise → nextIteration
func PreIteration(cs ControllerState) Phase {
	succeeded := cs.CurrentOutput != nil && cs.CurrentOutput.Success
	switch {
	case succeeded && cs.Mode == ModeRemote:
		return PhaseDoneRemote
	case succeeded:
		return PhaseDone
	case cs.RemoteInitial:
		return PhaseFirstServerRemote
	case cs.State == StateFinishedIteration || cs.State == StateFinishedIterationWithError:
		return PhaseRemote
	default:
		return PhaseNextIteration
	}
}
