package graph

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized covers missing, expired, and rejected credentials.
	ErrUnauthorized = errors.New("graph: unauthorized")
	// ErrRateLimited covers the local token bucket and upstream throttling codes.
	ErrRateLimited = errors.New("graph: rate limited")
)

// Upstream throttling and transient error codes.
var (
	rateLimitCodes = map[int]bool{4: true, 17: true, 32: true, 613: true}
	transientCodes = map[int]bool{1: true, 2: true}
)

const codeInvalidToken = 190

// APIError is a non-2xx response from the upstream API.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api %d (code %d/%d %s): %s", e.Status, e.Code, e.Subcode, e.Type, e.Message)
}

// Temporary reports whether repeating the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests || rateLimitCodes[e.Code] || transientCodes[e.Code]
}

// Is lets callers match API errors against ErrUnauthorized and ErrRateLimited.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Code == codeInvalidToken
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests || rateLimitCodes[e.Code]
	}
	return false
}

// IsPermanent reports errors that no retry can fix without outside change:
// 4xx responses other than auth and throttling. Auth failures are excluded
// because a concurrent token refresh may repair them.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Temporary() || errors.Is(apiErr, ErrUnauthorized) {
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500
}
