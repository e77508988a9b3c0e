package deploy

import (
	"fmt"
	"strings"
)

// Phase is the normalized phase of a remote build task.
type Phase string

const (
	// PhasePending indicates the task is queued on the build service.
	PhasePending Phase = "pending"

	// PhaseRunning indicates the build is in progress.
	PhaseRunning Phase = "running"

	// PhaseCompleted indicates the build finished and pushed an image.
	PhaseCompleted Phase = "completed"

	// PhaseFailed indicates the build finished with an error.
	PhaseFailed Phase = "failed"
)

// IsTerminal returns true if polling should stop at this phase.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ParsePhase maps a status string reported by the build service to a Phase.
// "done" is accepted as a synonym of completed. Anything else is a contract violation.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return PhasePending, nil
	case "running":
		return PhaseRunning, nil
	case "completed", "done":
		return PhaseCompleted, nil
	case "failed":
		return PhaseFailed, nil
	default:
		return "", fmt.Errorf("unknown task phase %q", s)
	}
}

// State is a state of the orchestrator's per-run state machine.
type State string

const (
	StateIdle            State = "idle"
	StatePreparing       State = "preparing"
	StateBuilding        State = "building"
	StatePolling         State = "polling"
	StateDeploying       State = "deploying"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
	StateTimedOut        State = "timed_out"
	StateEndpointPending State = "endpoint_pending"
	StateCancelled       State = "cancelled"
)

// IsTerminal returns true if the run has ended in this state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateEndpointPending, StateCancelled:
		return true
	default:
		return false
	}
}

// stateForError maps the error that ended a run to its terminal state.
func stateForError(err error) State {
	switch KindOf(err) {
	case "":
		return StateSucceeded
	case KindBuildTimeout:
		return StateTimedOut
	case KindEndpointPending:
		return StateEndpointPending
	case KindCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}
