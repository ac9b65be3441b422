package run

// State is the lifecycle state of a run.
//
//	created → running → waiting for remote
//	        → {recieved client data ⇄ waiting for remote}*
//	        → recieved all clients data → (next iteration or) finished
//
// Error states are reachable from any non-terminal state. The string values
// are the names observers (UI, API clients) already match on, spelling
// included.
type State string

const (
	StateCreated                 State = "created"
	StateRunning                 State = "running"
	StateWaitingForRemote        State = "waiting for remote"
	StateReceivedClientData      State = "recieved client data"
	StateReceivedAllClientsData  State = "recieved all clients data"
	StateReceivedCentralNodeData State = "recieved central node data"
	StateFinished                State = "finished"

	// StateReceivedClientError: a participant reported an error (coordinator side).
	StateReceivedClientError State = "recieved client error"
	// StateCentralNodeError: the coordinator's own executor failed.
	StateCentralNodeError State = "central node error"
	// StateReceivedError: the coordinator sent an error (participant side).
	StateReceivedError State = "recieved error"
	// StateLocalNodeError: the participant's own executor failed.
	StateLocalNodeError State = "local node error"
)

// Failed reports whether s is an error state.
func (s State) Failed() bool {
	switch s {
	case StateReceivedClientError, StateCentralNodeError, StateReceivedError, StateLocalNodeError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
// A retry policy starts a new run instead of resurrecting a terminal one.
func (s State) Terminal() bool {
	return s == StateFinished || s.Failed()
}
