// Package httpx provides HTTP response utilities.
package httpx

import (
	"net/http"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// StatusFor maps an engine error kind onto an HTTP status.
func StatusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindStateConflict:
		return http.StatusConflict
	case shared.KindConcurrencyConflict:
		return http.StatusServiceUnavailable
	case shared.KindInvariantViolation:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// RespondError writes err as an RFC7807 problem.
func RespondError(w http.ResponseWriter, err error) {
	Problem(w, ProblemFor(err))
}
