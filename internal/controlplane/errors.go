package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/runq/internal/queue"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrAuditUnavailable = errors.New("audit log not available for this backend")
)

// httpStatusForResult maps a rejected status update to an HTTP status.
func httpStatusForResult(res queue.StatusUpdateResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Error {
	case queue.CodeTaskNotFound:
		return http.StatusNotFound
	case queue.CodeInvalidStatus:
		return http.StatusBadRequest
	case queue.CodeInvalidStatusTransition, queue.CodeConcurrentModification:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// httpStatusForError maps service errors to an HTTP status.
func httpStatusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrTaskExists):
		return http.StatusConflict
	case errors.Is(err, queue.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAuditUnavailable):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
