package sprint

import "errors"

// Sentinel errors distinguishing the error kinds of spec.md §7. Workers
// and the orchestrator use errors.Is against these rather than string
// matching.
var (
	// ErrValidation marks a bad request shape, missing file, or illegal
	// state transition. No mutation occurs.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks a broker disconnect, git transient failure, or
	// a single non-zero agent exit. Retryable via restart.
	ErrTransient = errors.New("transient external error")

	// ErrStructural marks a cyclic task DAG, conflicting same-wave
	// files-touched claims, or corrupt plan JSON. The sprint fails.
	ErrStructural = errors.New("structural error")

	// ErrFatal marks an invariant violation. The sprint fails.
	ErrFatal = errors.New("fatal internal error")

	// ErrIllegalTransition is returned by the state machine for an
	// unrecognised lifecycle edge.
	ErrIllegalTransition = errors.New("illegal sprint state transition")

	// ErrSprintNotFound is returned when a sprint id has no record,
	// in memory or on disk.
	ErrSprintNotFound = errors.New("sprint not found")

	// ErrTaskNotFound is returned when a task id is not in the plan.
	ErrTaskNotFound = errors.New("task not found")

	// ErrApprovalNotFound is returned when an approval response names
	// an id with no matching waiter.
	ErrApprovalNotFound = errors.New("approval request not found")
)

// MergeConflictError carries the set of conflicting paths from a failed
// merge of the sprint branch into the default branch
// (gitcoord.MergeSprintToMain). Wave merge conflicts are not reported
// through this type; the wave scheduler publishes them as error events.
type MergeConflictError struct {
	DeveloperID string
	Paths       []string
}

func (e *MergeConflictError) Error() string {
	return "merge conflict for " + e.DeveloperID
}

// CycleError reports a cyclic dependency detected while ingesting a plan.
type CycleError struct {
	TaskIDs []int
}

func (e *CycleError) Error() string {
	return "plan contains a dependency cycle"
}

func (e *CycleError) Unwrap() error { return ErrStructural }
