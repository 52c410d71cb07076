package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Reason classifies a failure reported to a peer.
type Reason string

const (
	ReasonUnauthenticated        Reason = "UNAUTHENTICATED"
	ReasonForbidden              Reason = "FORBIDDEN"
	ReasonRateLimited            Reason = "RATE_LIMITED"
	ReasonNotFound               Reason = "NOT_FOUND"
	ReasonMalformedFrame         Reason = "MALFORMED_FRAME"
	ReasonPersistenceUnavailable Reason = "PERSISTENCE_UNAVAILABLE"
)

// Error carries a Reason alongside the underlying cause.
type Error struct {
	Reason  Reason
	Detail  string
	ResetAt time.Time
	Err     error
}

// NewError builds an Error.
func NewError(reason Reason, detail string, cause error) *Error {
	return &Error{Reason: reason, Detail: detail, Err: cause}
}

func (e *Error) Error() string {
	message := string(e.Reason)
	if e.Detail != "" {
		message = fmt.Sprintf("%s: %s", message, e.Detail)
	}
	if e.Err != nil {
		message = fmt.Sprintf("%s: %v", message, e.Err)
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the Reason of err, if any.
func ReasonOf(err error) (Reason, bool) {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Reason, true
	}
	return "", false
}
