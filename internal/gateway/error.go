// Package gateway implements HTTP clients for the cart, coupon and identity
// services.
package gateway

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
)

// Outcome classifies the result of a remote call.
type Outcome int

const (
	// OutcomeSuccess means the call succeeded.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient means the call failed in a way that may succeed on retry:
	// network errors, timeouts, 429 and 5xx responses.
	OutcomeTransient
	// OutcomePermanent means retrying will not help, e.g. a 4xx response.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Error is a failed remote call.
type Error struct {
	Service string
	Op      string
	// Status is the HTTP status code, zero when no response was received.
	Status  int
	Outcome Outcome
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Service, e.Op, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify returns the outcome of err as produced by a gateway client.
// Errors that did not come from a remote call are treated as transient.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Outcome
	}
	if errors.Is(err, context.Canceled) {
		return OutcomePermanent
	}
	return OutcomeTransient
}

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Status
	}
	return 0
}

func outcomeForStatus(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return OutcomeTransient
	default:
		return OutcomePermanent
	}
}
