package sprint

// transitions enumerates the lifecycle edges of spec.md §4.1. It is
// consulted by the orchestrator before every status mutation so illegal
// transitions are rejected without side effects.
var transitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusResearching: true,
		StatusCancelled:   true,
	},
	StatusResearching: {
		StatusPlanning:  true,
		StatusPaused:    true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusPlanning: {
		StatusAwaitingApproval: true,
		StatusApproved:         true,
		StatusPaused:           true,
		StatusCancelled:        true,
		StatusFailed:           true,
	},
	StatusAwaitingApproval: {
		StatusApproved:  true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusApproved: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusReviewing: true,
		StatusPaused:    true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusReviewing: {
		StatusRunning:   true, // bug-task bounce, spec.md §4.6
		StatusPRCreated: true,
		StatusPaused:    true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusPRCreated: {
		StatusCompleted: true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusPaused: {
		// resume targets are resolved dynamically to the
		// previous-active-equivalent by the orchestrator, so every
		// non-terminal status is a legal resume target.
		StatusResearching:      true,
		StatusPlanning:         true,
		StatusAwaitingApproval: true,
		StatusApproved:         true,
		StatusRunning:          true,
		StatusReviewing:        true,
		StatusPRCreated:        true,
		StatusCancelled:        true,
	},
}

// CanTransition reports whether moving from `from` to `to` is a legal
// edge of the state machine. Transitions to a terminal state via
// cancel/fail, or to paused, are always legal from any non-terminal
// state (spec.md §4.1 "any non-terminal -- pause -> paused").
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	if to == StatusFailed {
		return true
	}
	if to == StatusPaused {
		return true
	}
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
