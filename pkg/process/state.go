package process

import "errors"

// State transition errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrProcessNotFound   = errors.New("process not found")
)

// ProcessState represents the state of a process in the system.
type ProcessState string

const (
	// StateReady indicates the process waits in a ready queue for the CPU.
	StateReady ProcessState = "ready"
	// StateRunning indicates the process owns the CPU.
	StateRunning ProcessState = "running"
	// StateBlocked indicates the process waits for an event.
	StateBlocked ProcessState = "blocked"
	// StateTerminated indicates the process was killed and awaits release.
	StateTerminated ProcessState = "terminated"
)

// StateTransition represents a valid state transition.
type StateTransition struct {
	From ProcessState
	To   ProcessState
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// Dispatch: Ready -> Running
	{From: StateReady, To: StateRunning},
	// Quantum expired or yield: Running -> Ready
	{From: StateRunning, To: StateReady},
	// Wait for an event: Running -> Blocked
	{From: StateRunning, To: StateBlocked},
	// Blocked by another process: Ready -> Blocked
	{From: StateReady, To: StateBlocked},
	// Event arrived: Blocked -> Ready
	{From: StateBlocked, To: StateReady},
	// Kill
	{From: StateReady, To: StateTerminated},
	{From: StateRunning, To: StateTerminated},
	{From: StateBlocked, To: StateTerminated},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to ProcessState) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CanTransition checks if a process can transition to the given state.
func (p *PCB) CanTransition(to ProcessState) bool {
	return IsValidTransition(p.State, to)
}

// TransitionTo moves the process to a new state.
func (p *PCB) TransitionTo(to ProcessState) error {
	if !p.CanTransition(to) {
		return ErrInvalidTransition
	}
	p.State = to
	return nil
}

// IsAlive returns true until the process is terminated.
func (p *PCB) IsAlive() bool {
	return p.State != StateTerminated
}
