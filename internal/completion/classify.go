package completion

import (
	"errors"
	"net/http"
	"time"

	"github.com/tjfontaine/household-assistant/internal/domain"
)

// FailureClass is the gateway's view of a failed attempt.
type FailureClass int

const (
	ClassOther FailureClass = iota
	ClassOverloaded
	ClassAuth
	ClassServer
)

func (c FailureClass) String() string {
	switch c {
	case ClassOverloaded:
		return "overloaded"
	case ClassAuth:
		return "auth"
	case ClassServer:
		return "server"
	default:
		return "other"
	}
}

// Classify maps an upstream error onto a FailureClass. The reported HTTP
// status decides, except that a 5xx carrying the overloaded error type counts
// as overload. Without a status the error type's default status is used.
// Errors that are not *domain.APIError (network, decoding, cancellation) are
// ClassOther.
func Classify(err error) FailureClass {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		return ClassOther
	}

	switch code := apiErr.HTTPStatusCode(); {
	case code == domain.StatusOverloaded:
		return ClassOverloaded
	case code == http.StatusUnauthorized:
		return ClassAuth
	case code >= 500:
		if apiErr.Type == domain.ErrorTypeOverloaded {
			return ClassOverloaded
		}
		return ClassServer
	default:
		return ClassOther
	}
}

// Backoff returns the wait before the attempt following attempt (1-indexed):
// base * 2^(attempt-1), capped at limit. No jitter is applied.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
