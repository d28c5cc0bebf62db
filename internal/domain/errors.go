package domain

import (
	"context"
	"errors"
	"fmt"
)

// RejectionCode classifies pre-admission refusals: the input or a
// policy said no before any job existed. The caller may resubmit.
type RejectionCode string

const (
	RejectUnsupportedDomain RejectionCode = "UNSUPPORTED_DOMAIN"
	RejectMalformedURL      RejectionCode = "MALFORMED_URL"
	RejectTooLarge          RejectionCode = "TOO_LARGE"
	RejectRateLimited       RejectionCode = "RATE_LIMITED"
	RejectTooManyConcurrent RejectionCode = "TOO_MANY_CONCURRENT"
	RejectServerBusy        RejectionCode = "SERVER_BUSY"
)

// Rejection is a terminal pre-admission refusal with a stable reason
// code for the transport layer to render.
type Rejection struct {
	Code    RejectionCode
	Message string
	// SmallestKnownSize is reported on TooLarge so the caller can
	// tell the user how far over the cap the content is.
	SmallestKnownSize int64
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// NewRejection builds a rejection with a formatted message.
func NewRejection(code RejectionCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FailureCode classifies post-admission operational failures.
type FailureCode string

const (
	FailTimeout             FailureCode = "TIMEOUT"
	FailAuthRequired        FailureCode = "AUTH_REQUIRED"
	FailUnsupportedContent  FailureCode = "UNSUPPORTED_CONTENT"
	FailUpstreamRateLimited FailureCode = "UPSTREAM_RATE_LIMITED"
	FailMergeFailed         FailureCode = "MERGE_FAILED"
	FailChannelUnavailable  FailureCode = "CHANNEL_UNAVAILABLE"
	FailDeliveryFailed      FailureCode = "DELIVERY_FAILED"
	FailCancelled           FailureCode = "CANCELLED"
	FailUnknown             FailureCode = "UNKNOWN"
)

// Failure is a post-admission execution failure. Retryable marks
// transient classes that internal retry may recover from.
type Failure struct {
	Code      FailureCode
	Message   string
	Retryable bool
	// SizeBytes and Channel give the caller enough context to offer a
	// user-facing retry on delivery failures.
	SizeBytes int64
	Channel   Channel
	Err       error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	if f.Message == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure builds a failure wrapping err.
func NewFailure(code FailureCode, err error, format string, args ...any) *Failure {
	return &Failure{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableFailure(code),
		Err:       err,
	}
}

// WithDelivery attaches delivery context (for caller-driven retry) and
// returns the same failure.
func (f *Failure) WithDelivery(size int64, channel Channel) *Failure {
	f.SizeBytes = size
	f.Channel = channel
	return f
}

func retryableFailure(code FailureCode) bool {
	switch code {
	case FailTimeout, FailUpstreamRateLimited, FailUnknown:
		return true
	}
	return false
}

// AsRejection unwraps err into a *Rejection if one is in the chain.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

// AsFailure unwraps err into a *Failure if one is in the chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}

// FailureFrom coerces an arbitrary error into a *Failure, mapping
// context deadline errors to Timeout and leaving everything else as
// Unknown. Existing failures pass through unchanged.
func FailureFrom(err error) *Failure {
	if f, ok := AsFailure(err); ok {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFailure(FailTimeout, err, "deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return NewFailure(FailCancelled, err, "cancelled")
	}
	return NewFailure(FailUnknown, err, "unexpected error")
}
