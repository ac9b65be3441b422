package run

import (
	"errors"
	"fmt"

	"github.com/dreamware/consortium/internal/cluster"
)

var (
	// ErrDuplicateRun is returned when starting a run ID already in use.
	ErrDuplicateRun = errors.New("duplicate run ID")
	// ErrUnknownRun is returned when operating on a run ID never started.
	ErrUnknownRun = errors.New("invalid pipeline ID")
	// ErrExchangeSuperseded settles an exchange replaced by a newer one
	// before it settled.
	ErrExchangeSuperseded = errors.New("exchange superseded by a newer exchange")
	// ErrRunStarted is returned when executing a run twice.
	ErrRunStarted = errors.New("run already started")
)

// ParticipantReportedError wraps an error a participant reported for a run.
type ParticipantReportedError struct {
	RunID    string
	ClientID string
	Reported cluster.ErrorPayload
}

func (e *ParticipantReportedError) Error() string {
	return fmt.Sprintf("Pipeline error from user: %s\n Error details: %s", e.ClientID, e.Reported.Message)
}

// Payload is the wire form broadcast to the run's participants.
func (e *ParticipantReportedError) Payload() cluster.ErrorPayload {
	details := e.Reported.Error
	if details == "" {
		details = e.Reported.Message
	}
	return cluster.ErrorPayload{
		Message: e.Error(),
		Error:   fmt.Sprintf("Pipeline error from user: %s\n Error details: %s", e.ClientID, details),
		Code:    e.Reported.Code,
	}
}

// CoordinatorReportedError is an error originating at the coordinator node.
// On the coordinator it wraps the executor failure in Err; on a participant
// it carries the payload the coordinator sent.
type CoordinatorReportedError struct {
	Err      error
	RunID    string
	Reported cluster.ErrorPayload
}

func newCentralNodeError(runID string, err error) *CoordinatorReportedError {
	text := fmt.Sprintf("Pipeline error from central node\n Error details: %s", err)
	return &CoordinatorReportedError{
		Err:      err,
		RunID:    runID,
		Reported: cluster.ErrorPayload{Message: text, Error: text},
	}
}

func (e *CoordinatorReportedError) Error() string {
	return e.Reported.Message
}

func (e *CoordinatorReportedError) Unwrap() error {
	return e.Err
}

// Payload is the wire form of the error.
func (e *CoordinatorReportedError) Payload() cluster.ErrorPayload {
	return e.Reported
}

// ClientDisconnected records a participant's transport session going away.
// It is informational and never escalated to a run error.
type ClientDisconnected struct {
	ClientID  string
	SessionID string
	Reason    string
}

func (e *ClientDisconnected) Error() string {
	return fmt.Sprintf("client %s disconnected: %s", e.ClientID, e.Reason)
}

// payloadOf converts any run error to its wire form.
func payloadOf(err error) cluster.ErrorPayload {
	var withPayload interface{ Payload() cluster.ErrorPayload }
	if errors.As(err, &withPayload) {
		return withPayload.Payload()
	}
	return cluster.ErrorPayload{Message: err.Error(), Error: err.Error()}
}
