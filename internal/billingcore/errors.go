package billingcore

import "fmt"

// ErrorResponse is the policy-error analogue from spec.md §7: a structured,
// HTTP-status-carrying failure raised explicitly by a stage or by
// Enforcement. It propagates unchanged through Preprocess to the caller —
// it is never swallowed, unlike infrastructure errors.
type ErrorResponse struct {
	Status int
	Body   string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("billingcore: %d %s", e.Status, e.Body)
}

// badRequest builds the infrastructure-level 400 raised when a Security
// handler's request is missing the appId header (spec.md §4.3 Stage 5).
func badRequest(msg string) *ErrorResponse {
	return &ErrorResponse{Status: 400, Body: msg}
}

// forbidden builds the 403 raised by Enforcement when permission is denied;
// the body is the error code string verbatim (spec.md §4.3 Enforcement).
func forbidden(code ErrorCode) *ErrorResponse {
	return &ErrorResponse{Status: 403, Body: string(code)}
}
