package domain

import "errors"

// LifecycleState is the engine-level state of a transfer.
type LifecycleState string

const (
	StateQueued           LifecycleState = "queued"
	StateFetchingMetadata LifecycleState = "fetching_metadata"
	StateDownloading      LifecycleState = "downloading"
	StateSeeding          LifecycleState = "seeding"
	StateCompleted        LifecycleState = "completed"
	StateStopped          LifecycleState = "stopped"
	StateFailed           LifecycleState = "failed"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines the adjacency list of allowed state transitions.
// Failed is reachable from every state and is handled in CanTransition.
var validTransitions = map[LifecycleState][]LifecycleState{
	StateQueued:           {StateFetchingMetadata, StateDownloading, StateSeeding, StateStopped},
	StateFetchingMetadata: {StateDownloading, StateSeeding, StateStopped, StateQueued},
	StateDownloading:      {StateSeeding, StateCompleted, StateStopped, StateQueued},
	StateSeeding:          {StateCompleted, StateStopped, StateQueued},
	StateCompleted:        {StateSeeding, StateStopped, StateQueued},
	StateStopped:          {StateQueued, StateFetchingMetadata, StateDownloading, StateSeeding, StateCompleted},
	StateFailed:           {StateQueued, StateDownloading},
}

// CanTransition reports whether a transition from one state to another is valid.
func CanTransition(from, to LifecycleState) bool {
	if to == StateFailed {
		return true
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Active reports whether the state counts against the max-active limit.
func (s LifecycleState) Active() bool {
	switch s {
	case StateFetchingMetadata, StateDownloading:
		return true
	default:
		return false
	}
}

// TransferState is a lifecycle state plus the failure message when the
// state is StateFailed.
type TransferState struct {
	State   LifecycleState `json:"state"`
	Message string         `json:"message,omitempty"`
}

func Failed(message string) TransferState {
	return TransferState{State: StateFailed, Message: message}
}
