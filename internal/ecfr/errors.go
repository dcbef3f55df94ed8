package ecfr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
)

// StatusError is returned when the eCFR API answers with a non-200 status.
type StatusError struct {
	Op         string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: GET %s: status=%d body=%q", e.Op, e.URL, e.StatusCode, string(e.Body))
}

// HTTPStatus lets the retry policy classify the error.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Message returns the "error" field of the upstream JSON body, if any.
func (e *StatusError) Message() string {
	var body struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal(e.Body, &body); err != nil {
		return ""
	}
	if s, ok := body.Error.(string); ok {
		return s
	}
	return ""
}

// StatusOf returns the upstream status code carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsUnavailable reports whether err means the upstream is unavailable:
// a 503 answer or a tripped circuit breaker.
func IsUnavailable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return StatusOf(err) == http.StatusServiceUnavailable
}

// isTitleCondition reports answers about a single title (a 4xx, or 503
// while that title is being processed) that leave the versions service healthy.
func isTitleCondition(err error) bool {
	return isClientError(err) || StatusOf(err) == http.StatusServiceUnavailable
}

// isClientError is used by the circuit breakers: a 4xx answer says nothing
// about the health of the upstream.
func isClientError(err error) bool {
	code := StatusOf(err)
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
