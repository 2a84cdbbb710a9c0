package admission

import (
	"fmt"
	"net/http"

	"recommendation-engine/internal/gates"
)

// RejectionError is the typed admission failure surfaced to the boundary.
// Code and Details are echoed verbatim in the HTTP body and match the
// rejecting decision step.
type RejectionError struct {
	Stage   string
	Code    string
	Reason  string
	Details map[string]interface{}
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("admission rejected at %s: %s (%s)", e.Stage, e.Reason, e.Code)
}

// HTTPStatus maps the rejection code to its stable status code.
func (e *RejectionError) HTTPStatus() int {
	switch e.Code {
	case gates.CodeValidationError:
		return http.StatusBadRequest
	case gates.CodeCooldown:
		return http.StatusTooManyRequests
	default:
		return http.StatusConflict
	}
}
