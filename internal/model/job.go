package model

import "time"

// Job state constants.
const (
	StateQueued    = "queued"
	StateExecuting = "executing"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[string]map[string]bool{
	StateQueued: {
		StateExecuting: true,
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateExecuting: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalState reports whether a job state is terminal.
func TerminalState(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}

// Job tracks one workflow execution on the engine for the duration of a single
// invocation. The ID is the opaque prompt identifier assigned by ComfyUI at
// queue time. Events are appended strictly in arrival order from the push
// channel.
type Job struct {
	ID       string
	State    string
	Events   []Event
	Deadline time.Time
}

// Record appends an event and advances the job state when the event implies a
// legal transition. Events that would produce an invalid transition still get
// recorded but leave the state untouched.
func (j *Job) Record(ev Event) {
	j.Events = append(j.Events, ev)

	var next string
	switch ev.(type) {
	case Started, NodeProgress, NodeExecuted:
		next = StateExecuting
	case Completed:
		next = StateCompleted
	case ExecError:
		next = StateFailed
	default:
		return
	}

	if j.State == next {
		return
	}
	if ValidTransition(j.State, next) {
		j.State = next
	}
}
