package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingAPIKey is returned before any network call when the caller gave no key.
var ErrMissingAPIKey = errors.New("missing API key")

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents transport failures with no HTTP status.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassParse represents a success status with a body that is not a contact page.
	ErrorClassParse ErrorClass = "parse"
)

// maxErrorBody bounds how much of the upstream body ends up in Error().
const maxErrorBody = 256

// UpstreamError is any failure to obtain a usable page from the CRM.
type UpstreamError struct {
	// StatusCode is 0 for network failures.
	StatusCode int
	Class      ErrorClass
	Page       int

	// Body is the raw upstream response body, when one was read.
	Body []byte
	Err  error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s error on page %d", e.Class, e.Page)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if len(e.Body) > 0 {
		body := e.Body
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		msg += ": " + string(body)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// HasStatus reports whether the upstream answered with an HTTP status.
func (e *UpstreamError) HasStatus() bool {
	return e.StatusCode != 0
}

// classifyStatus maps a non-success HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		// 1xx/3xx that the transport did not resolve
		return ErrorClassClient
	}
}
