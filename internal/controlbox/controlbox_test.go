package controlbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPreIteration walks the decision table in priority order.
func TestPreIteration(t *testing.T) {
	tests := []struct {
		name string
		cs   ControllerState
		want Phase
	}{
		{
			name: "success in remote mode",
			cs:   ControllerState{CurrentOutput: &Output{Success: true}, Mode: "remote"},
			want: PhaseDoneRemote,
		},
		{
			name: "success in local mode",
			cs:   ControllerState{CurrentOutput: &Output{Success: true}, Mode: "local"},
			want: PhaseDone,
		},
		{
			name: "success beats remote initial",
			cs:   ControllerState{CurrentOutput: &Output{Success: true}, RemoteInitial: true},
			want: PhaseDone,
		},
		{
			name: "remote initial without success",
			cs:   ControllerState{RemoteInitial: true, Mode: "remote"},
			want: PhaseFirstServerRemote,
		},
		{
			name: "remote initial beats finished iteration",
			cs:   ControllerState{RemoteInitial: true, State: StateFinishedIteration},
			want: PhaseFirstServerRemote,
		},
		{
			name: "finished iteration",
			cs:   ControllerState{State: "finished iteration"},
			want: PhaseRemote,
		},
		{
			name: "finished iteration with error",
			cs:   ControllerState{State: "finished iteration with error"},
			want: PhaseRemote,
		},
		{
			name: "unsuccessful output keeps iterating",
			cs:   ControllerState{CurrentOutput: &Output{Success: false}, State: "running"},
			want: PhaseNextIteration,
		},
		{
			name: "empty state",
			cs:   ControllerState{},
			want: PhaseNextIteration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PreIteration(tt.cs))
		})
	}
}
