package orchestrator

import (
	"errors"
	"net/http"

	"github.com/sprintforge/orchestrator/internal/sprint"
)

// statusFor maps the sprint package's sentinel error kinds to HTTP
// status codes: validation and illegal-transition errors are the caller's
// fault, not-found is 404, everything else (transient/structural/
// fatal) is a server-side 500 since the caller did nothing wrong.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sprint.ErrSprintNotFound), errors.Is(err, sprint.ErrTaskNotFound), errors.Is(err, sprint.ErrApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, sprint.ErrValidation), errors.Is(err, sprint.ErrIllegalTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
