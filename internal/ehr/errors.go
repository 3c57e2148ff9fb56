package ehr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/holovitals/ehrsync/internal/platform/fhir"
)

// Kind classifies connector failures. The orchestrator decides retry versus
// terminal failure from the kind alone.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindNotFound       Kind = "not_found"
	KindUpstream       Kind = "upstream"
	KindValidation     Kind = "validation"
)

// Error is the single error type returned by connectors.
type Error struct {
	Kind       Kind
	Provider   Provider
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	prefix := string(e.Kind)
	if e.Provider != "" {
		prefix = string(e.Provider) + " " + prefix
	}
	if e.Op != "" {
		prefix += " (" + e.Op + ")"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", prefix, e.StatusCode, msg)
	}
	return prefix + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies any error. Errors that do not carry a Kind are treated as
// upstream failures, so unknown problems are retried within the attempt budget.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// RetryAfterOf returns the vendor supplied Retry-After hint, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsCancelled reports whether err came from a cancelled context rather than
// the vendor.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// HTTPStatus maps an error onto the status an API handler should answer
// with when a connector call fails during a request.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindConfiguration:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func newError(kind Kind, provider Provider, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Message: fmt.Sprintf(format, args...)}
}

func ConfigurationError(provider Provider, op, format string, args ...interface{}) *Error {
	return newError(KindConfiguration, provider, op, format, args...)
}

func AuthenticationError(provider Provider, op, format string, args ...interface{}) *Error {
	return newError(KindAuthentication, provider, op, format, args...)
}

func RateLimitError(provider Provider, op, format string, args ...interface{}) *Error {
	return newError(KindRateLimit, provider, op, format, args...)
}

func NotFoundError(provider Provider, op, format string, args ...interface{}) *Error {
	return newError(KindNotFound, provider, op, format, args...)
}

func UpstreamError(provider Provider, op, format string, args ...interface{}) *Error {
	return newError(KindUpstream, provider, op, format, args...)
}

func ValidationError(provider Provider, op, format string, args ...interface{}) *Error {
	return newError(KindValidation, provider, op, format, args...)
}

// classifyStatus maps a vendor HTTP status onto the taxonomy. It returns nil
// for 2xx responses.
func classifyStatus(provider Provider, op string, status int, header http.Header, body []byte) *Error {
	if status >= 200 && status < 300 {
		return nil
	}
	e := &Error{Provider: provider, Op: op, StatusCode: status, Message: summarizeBody(body)}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		e.Kind = KindNotFound
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthentication
	case status >= 500:
		e.Kind = KindUpstream
		if status == http.StatusServiceUnavailable {
			e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		}
	default:
		e.Kind = KindValidation
	}
	return e
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func summarizeBody(body []byte) string {
	const max = 512
	if len(body) == 0 {
		return "empty response body"
	}
	if oo, ok := fhir.ParseOperationOutcome(body); ok {
		if msg := oo.Summary(); msg != "" {
			return msg
		}
	}
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
