package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// APIError is the JSON body returned for non-streaming failures.
type APIError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RateLimitError is the 429 body shape.
type RateLimitError struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// AbortBadRequest writes a 400 response and aborts the handler chain.
func AbortBadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": message})
}

// AbortNotFound writes a 404 response and aborts the handler chain.
func AbortNotFound(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusNotFound, APIError{Error: message})
}

// AbortInternal writes a 500 response and aborts the handler chain. The
// underlying error is attached to the gin context for logging middleware,
// never to the response body.
func AbortInternal(c *gin.Context, err error, message string) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, APIError{Error: message})
}

// AbortServiceUnavailable writes a 503 response and aborts the handler chain.
func AbortServiceUnavailable(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, APIError{Error: message})
}

// AbortTooManyRequests writes the rate-limit rejection with a Retry-After
// header and aborts the handler chain.
func AbortTooManyRequests(c *gin.Context, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", fmt.Sprintf("%d", seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, RateLimitError{
		Error:             "Rate limit exceeded",
		Code:              "RATE_LIMIT_EXCEEDED",
		RetryAfterSeconds: seconds,
	})
}

// ErrSessionNotFound is returned when an operation names an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// ErrTooManySessions is returned when the session registry is full.
var ErrTooManySessions = errors.New("maximum concurrent sessions reached")

// ErrSessionExists is returned when registering an id already in use.
var ErrSessionExists = errors.New("session already exists")
