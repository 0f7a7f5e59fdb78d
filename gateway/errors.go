package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"order-svc/circuitbreaker"
)

// Outcome classifies a failed gateway call by what it tells us about the
// remote side effect.
type Outcome string

const (
	// OutcomeRejected means the gateway definitely did not act on the request.
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnknown means the request may or may not have taken effect.
	OutcomeUnknown Outcome = "unknown"
)

type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Outcome    Outcome
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gateway %s failed", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Retryable() bool {
	return e.Outcome == OutcomeUnknown
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newStatusError(op string, status int, raw []byte) *Error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	outcome := OutcomeRejected
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		outcome = OutcomeUnknown
	}
	return &Error{
		Op:         op,
		StatusCode: status,
		Code:       body.Type,
		Message:    body.Message,
		Outcome:    outcome,
	}
}

// OutcomeOf maps any error returned by the client to an Outcome. Errors that
// never left the process count as rejected.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return ""
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Outcome
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return OutcomeRejected
	}
	return OutcomeUnknown
}

// IsNotFound reports a 404 from the gateway.
func IsNotFound(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusNotFound
}
