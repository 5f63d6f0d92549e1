// Package errs provides structured error types shared across the Blitz control plane.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category surfaced by the control plane.
type Code string

const (
	// CodeRateLimited indicates the request exceeded a rate window.
	CodeRateLimited Code = "rate_limited"
	// CodeBusy indicates a concurrent operation already holds the per-user guard.
	CodeBusy Code = "concurrency_busy"
	// CodeAlreadyRunning indicates a bot is already live for the user.
	CodeAlreadyRunning Code = "already_running"
	// CodeNotRunning indicates the operation requires a running bot.
	CodeNotRunning Code = "not_running"
	// CodeAuth indicates authentication or authorization failure.
	CodeAuth Code = "auth"
	// CodeCredentials indicates missing or rejected exchange credentials.
	CodeCredentials Code = "credentials_invalid"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeStopTimeout indicates a bot did not confirm exit within the grace period.
	CodeStopTimeout Code = "stop_timed_out"
)

// E captures structured error information produced across the Blitz stack.
type E struct {
	Venue      string
	Code       Code
	Message    string
	RetryAfter time.Duration
	RawCode    string
	RawMsg     string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given code.
func New(code Code, opts ...Option) *E {
	e := &E{
		Venue:      "",
		Code:       code,
		Message:    "",
		RetryAfter: 0,
		RawCode:    "",
		RawMsg:     "",
		cause:      nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithVenue records the exchange venue associated with the failure.
func WithVenue(venue string) Option {
	trimmed := strings.TrimSpace(venue)
	return func(e *E) {
		e.Venue = trimmed
	}
}

// WithRetryAfter advises callers how long to back off before retrying.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Venue != "" {
		parts = append(parts, "venue="+e.Venue)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target shares this envelope's code, enabling errors.Is
// comparisons against sentinel envelopes.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// CodeOf extracts the structured code from err, or empty when err carries none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// RetryAfterOf extracts the advised retry delay from err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.RetryAfter
	}
	return 0
}
