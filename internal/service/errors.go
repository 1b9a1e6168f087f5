package service

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCSRF         = errors.New("invalid csrf token")
	ErrInvalidEmail = errors.New("invalid email format")
	ErrInvalidCode  = errors.New("otp must be 6 digits")
	ErrDelivery     = errors.New("otp delivery failed")
)

type RateLimitedError struct {
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}

// InvalidCodeError covers a wrong, expired, used or never issued code, and
// a code submitted for an email that has no active account.
type InvalidCodeError struct {
	RemainingAttempts int
}

func (e *InvalidCodeError) Error() string { return "invalid or expired otp" }

// Outcome is the client-facing rendering of an error.
type Outcome struct {
	Status            int
	Code              string
	Message           string
	RetryAfter        *int
	RemainingAttempts *int
}

// Public maps any error returned by Service to the response shown to the
// client. Unrecognised errors become a generic server error.
func Public(err error) Outcome {
	var rl *RateLimitedError
	var ic *InvalidCodeError
	switch {
	case errors.Is(err, ErrCSRF):
		return Outcome{Status: http.StatusForbidden, Code: "csrf_invalid", Message: "invalid request"}
	case errors.Is(err, ErrInvalidEmail):
		return Outcome{Status: http.StatusBadRequest, Code: "invalid_email", Message: "invalid email format"}
	case errors.Is(err, ErrInvalidCode):
		return Outcome{Status: http.StatusBadRequest, Code: "invalid_otp_format", Message: "OTP code must be 6 digits"}
	case errors.As(err, &rl):
		retry := rl.RetryAfter
		return Outcome{
			Status:     http.StatusTooManyRequests,
			Code:       "rate_limited",
			Message:    fmt.Sprintf("too many attempts, try again in %d minutes", (retry+59)/60),
			RetryAfter: &retry,
		}
	case errors.As(err, &ic):
		remaining := ic.RemainingAttempts
		return Outcome{
			Status:            http.StatusUnauthorized,
			Code:              "invalid_otp",
			Message:           "OTP code is invalid or expired",
			RemainingAttempts: &remaining,
		}
	case errors.Is(err, ErrDelivery):
		return Outcome{Status: http.StatusInternalServerError, Code: "delivery_failed", Message: "could not send the OTP email, try again later"}
	default:
		return Outcome{Status: http.StatusInternalServerError, Code: "server_error", Message: "internal server error"}
	}
}
