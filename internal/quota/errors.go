package quota

import (
	"errors"
	"fmt"
)

// ErrorCode classifies quota failures for callers and operators.
type ErrorCode string

const (
	CodeRateLimitExceeded    ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeDailyQuotaExceeded   ErrorCode = "DAILY_QUOTA_EXCEEDED"
	CodeRateLimitUnavailable ErrorCode = "RATE_LIMIT_UNAVAILABLE"
	CodeUsageCommitFailed    ErrorCode = "USAGE_COMMIT_FAILED"
	CodeInvalidInput         ErrorCode = "INVALID_INPUT"
)

// QuotaError is the error type returned by this package. Two QuotaErrors
// match under errors.Is when their codes are equal.
type QuotaError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *QuotaError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *QuotaError) Unwrap() error {
	return e.Err
}

func (e *QuotaError) Is(target error) bool {
	t, ok := target.(*QuotaError)
	return ok && t.Code == e.Code
}

var (
	ErrRateLimitExceeded    = &QuotaError{Code: CodeRateLimitExceeded, Message: "rate limit exceeded"}
	ErrDailyQuotaExceeded   = &QuotaError{Code: CodeDailyQuotaExceeded, Message: "daily quota exceeded"}
	ErrRateLimitUnavailable = &QuotaError{Code: CodeRateLimitUnavailable, Message: "rate limit store unavailable"}
	ErrUsageCommitFailed    = &QuotaError{Code: CodeUsageCommitFailed, Message: "usage commit failed"}
	ErrInvalidInput         = &QuotaError{Code: CodeInvalidInput, Message: "invalid input"}
)

// CodeOf extracts the code of the first QuotaError in err's chain.
func CodeOf(err error) ErrorCode {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

func unavailable(op string, err error) error {
	return &QuotaError{Code: CodeRateLimitUnavailable, Message: op, Err: err}
}

// asUnavailable keeps typed errors and classifies anything else as a store
// outage.
func asUnavailable(err error) error {
	if CodeOf(err) != "" {
		return err
	}
	return unavailable("quota store error", err)
}

func commitFailed(err error) error {
	return &QuotaError{Code: CodeUsageCommitFailed, Message: "usage commit failed", Err: err}
}

func invalidInput(format string, args ...interface{}) error {
	return &QuotaError{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}
