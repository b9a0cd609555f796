package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/n0madic/go-trafficdesk/internal/sanitize"
)

var (
	ErrTimeout            = errors.New("request timed out")
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrUnauthorized       = errors.New("session expired or not signed in")
)

// TimeoutError reports a call that exceeded its bound. Callers may retry.
type TimeoutError struct {
	Method  string
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no response within %s", e.Method, e.URL, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// NetworkError reports a call that never produced a response.
type NetworkError struct {
	Method string
	URL    string
	Err    error
	// MalformedAddress is set when the sanitizer had to strip an internal
	// host from this call, which usually points at the deployment config.
	MalformedAddress bool
	Rewrites         []sanitize.Rewrite
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	if e.MalformedAddress {
		msg += " (request address was rewritten from an internal host; check the API base configuration)"
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetworkUnreachable }

// StatusError is a 4xx/5xx response passed through to the caller.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
	Header     http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, FormatStatusError(e.StatusCode, e.Body, e.Header))
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// Message returns the server-provided error message, if any.
func (e *StatusError) Message() string {
	return ExtractErrorMessage(e.Body)
}

// FormatStatusError formats an error response for display.
func FormatStatusError(statusCode int, rawBody []byte, headers http.Header) string {
	status := fmt.Sprintf("%d", statusCode)
	if text := http.StatusText(statusCode); text != "" {
		status = fmt.Sprintf("%d %s", statusCode, text)
	}
	var msg string
	if m := ExtractErrorMessage(rawBody); m != "" {
		msg = fmt.Sprintf("server returned HTTP %s: %s", status, m)
	} else if preview := compactBodyPreview(rawBody, 280); preview != "" {
		msg = fmt.Sprintf("server returned HTTP %s with unparsed body: %s", status, preview)
	} else {
		msg = fmt.Sprintf("server returned HTTP %s with empty body", status)
	}
	if reqID := requestID(headers); reqID != "" {
		msg = fmt.Sprintf("%s (request_id: %s)", msg, reqID)
	}
	return msg
}

var errorMessagePaths = []string{
	"detail",
	"message",
	"error.message",
	"error_description",
	"error",
	"title",
	"reason",
	"detail.0.msg",
	"errors.0.message",
	"errors.0",
}

// ExtractErrorMessage pulls a human-readable message out of a JSON error body.
func ExtractErrorMessage(rawBody []byte) string {
	if len(rawBody) == 0 || !gjson.ValidBytes(rawBody) {
		return ""
	}
	for _, path := range errorMessagePaths {
		r := gjson.GetBytes(rawBody, path)
		if r.Type == gjson.String {
			if v := strings.TrimSpace(r.Str); v != "" {
				return v
			}
		}
	}
	return ""
}

func compactBodyPreview(rawBody []byte, maxLen int) string {
	trimmed := strings.TrimSpace(string(rawBody))
	if trimmed == "" {
		return ""
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	if len(clean) <= maxLen {
		return clean
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(clean[cut]) {
		cut--
	}
	return clean[:cut] + "..."
}

func requestID(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, key := range []string{"x-request-id", "request-id", "x-correlation-id", "cf-ray"} {
		if v := strings.TrimSpace(headers.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
