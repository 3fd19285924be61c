// Package errdefs defines the error types shared by the remote client,
// the download coordinator and the lifecycle controller.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrFileNotFound           = errors.New("file not found")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrAllCandidatesExhausted = errors.New("all status endpoints exhausted")
	ErrIncompleteDownload     = errors.New("incomplete download")
)

// maxBodyLen bounds how much of a response body is carried in error text
const maxBodyLen = 500

// Truncate trims a response body for inclusion in an error message
func Truncate(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= maxBodyLen {
		return body
	}
	return body[:maxBodyLen] + "..."
}

// TransportError is a connection-level failure: refused, reset, DNS or timeout
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout
func (e *TransportError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// RemoteError is a non-2xx HTTP response
type RemoteError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, Truncate(e.Body))
}

// DecodeError means a response body was not the JSON we expected
type DecodeError struct {
	Body string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode response: %v (body: %s)", e.Err, Truncate(e.Body))
}

func (e *DecodeError) Unwrap() error { return e.Err }

// InvalidResponseError means a well-formed response lacked a required field
type InvalidResponseError struct {
	Reason string
	Body   string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("invalid response: %s (body: %s)", e.Reason, Truncate(e.Body))
}

// CandidatesExhaustedError collects the per-endpoint failures of a status query
type CandidatesExhaustedError struct {
	Candidates []string
	Errs       []error
}

func (e *CandidatesExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for i, err := range e.Errs {
		name := "?"
		if i < len(e.Candidates) {
			name = e.Candidates[i]
		}
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	return fmt.Sprintf("%v: [%s]", ErrAllCandidatesExhausted, strings.Join(parts, "; "))
}

func (e *CandidatesExhaustedError) Unwrap() []error { return e.Errs }

func (e *CandidatesExhaustedError) Is(target error) bool {
	return target == ErrAllCandidatesExhausted
}

// IncompleteDownloadError is returned when fewer bytes arrived than were declared
type IncompleteDownloadError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *IncompleteDownloadError) Error() string {
	return fmt.Sprintf("incomplete download %s: got %d of %d bytes", e.Path, e.Actual, e.Expected)
}

func (e *IncompleteDownloadError) Is(target error) bool {
	return target == ErrIncompleteDownload
}

// IsTransport reports whether err is (or wraps) a TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Reason maps an error to a stable, low-cardinality label
func Reason(err error) string {
	var (
		te  *TransportError
		re  *RemoteError
		de  *DecodeError
		ire *InvalidResponseError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrAllCandidatesExhausted):
		return "exhausted"
	case errors.Is(err, ErrIncompleteDownload):
		return "incomplete"
	case errors.Is(err, ErrPermissionDenied):
		return "permission"
	case errors.Is(err, ErrFileNotFound):
		return "not_found"
	case errors.As(err, &te):
		return "network"
	case errors.As(err, &re):
		return "remote"
	case errors.As(err, &de):
		return "decode"
	case errors.As(err, &ire):
		return "invalid_response"
	default:
		return "unknown"
	}
}
