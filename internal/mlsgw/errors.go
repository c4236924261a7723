package mlsgw

import "fmt"

// ErrorClass groups gateway errors into the taxonomy described in the
// external interface docs: validation, authorization, sequencing, and
// quota failures are all rejections the caller should treat as "do not
// persist, log at warn, move on" rather than as transient backend errors.
type ErrorClass string

const (
	ClassValidation    ErrorClass = "validation"
	ClassAuthorization ErrorClass = "authorization"
	ClassSequencing    ErrorClass = "sequencing"
	ClassQuota         ErrorClass = "quota"
	ClassConfiguration ErrorClass = "configuration"
	ClassBackend       ErrorClass = "backend"
)

// GatewayError is a classified, comparable error value. Callers use
// errors.As to recover the class and reason without string matching.
type GatewayError struct {
	Class  ErrorClass
	Reason string
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func newErr(class ErrorClass, reason string) *GatewayError {
	return &GatewayError{Class: class, Reason: reason}
}

func wrapErr(class ErrorClass, reason string, err error) *GatewayError {
	return &GatewayError{Class: class, Reason: reason, Err: err}
}

// Validation errors.
var (
	ErrOwnerMismatch       = newErr(ClassValidation, "OwnerMismatch")
	ErrExpired             = newErr(ClassValidation, "Expired")
	ErrInvalidContent      = newErr(ClassValidation, "InvalidContent")
	ErrMissingTag          = newErr(ClassValidation, "MissingTag")
	ErrInvalidTag          = newErr(ClassValidation, "InvalidTag")
	ErrUnsupportedEncoding = newErr(ClassValidation, "UnsupportedEncoding")
)

// Authorization errors.
var (
	ErrUnauthorized = newErr(ClassAuthorization, "Unauthorized")
	ErrUnknownGroup = newErr(ClassAuthorization, "UnknownGroup")
)

// Sequencing errors.
var (
	ErrStaleSequence = newErr(ClassSequencing, "StaleSequence")
)

// Quota errors.
var (
	ErrQuotaExceeded = newErr(ClassQuota, "QuotaExceeded")
	ErrRateLimited   = newErr(ClassQuota, "RateLimited")
)

// RateLimitedError carries the minutes-until-reset hint returned to
// rate-limited keypackage queries.
type RateLimitedError struct {
	*GatewayError
	MinutesUntilReset int
}

func newRateLimitedError(minutes int) *RateLimitedError {
	return &RateLimitedError{
		GatewayError:      newErr(ClassQuota, "RateLimited"),
		MinutesUntilReset: minutes,
	}
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("RateLimited: try again in %d minute(s)", e.MinutesUntilReset)
}

// Configuration errors fail fast at construction time.
func ErrConfiguration(reason string) *GatewayError {
	return newErr(ClassConfiguration, reason)
}
