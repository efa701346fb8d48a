package github

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a hosting-service failure for callers.
type ErrorKind int8

const (
	// KindRetryable marks 5xx and network failures worth retrying at the caller.
	KindRetryable ErrorKind = iota
	// KindNotFound marks 404s: missing file, branch, or pull request.
	KindNotFound
	// KindConflict marks 409s, typically a stale content hash on file commit.
	KindConflict
	// KindTerminal marks everything else; retrying will not help.
	KindTerminal
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "terminal"
	}
}

// ExternalServiceError is a classified hosting-service failure.
type ExternalServiceError struct {
	Err        error
	Op         string // the failed operation, e.g. "commit file"
	Kind       ErrorKind
	StatusCode int
}

// Error implements the error interface.
func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("hosting service %s failed (%s, status %d): %v", e.Op, e.Kind.String(), e.StatusCode, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a classified 404.
func IsNotFound(err error) bool {
	var eserr *ExternalServiceError
	return errors.As(err, &eserr) && eserr.Kind == KindNotFound
}

// IsConflict reports whether err is a classified 409.
func IsConflict(err error) bool {
	var eserr *ExternalServiceError
	return errors.As(err, &eserr) && eserr.Kind == KindConflict
}

// wrapErr classifies a go-github error by HTTP status.
func wrapErr(op string, resp *http.Response, err error) error {
	if err == nil {
		return nil
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	kind := KindTerminal
	switch {
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusConflict:
		kind = KindConflict
	case status >= 500 || status == 0:
		kind = KindRetryable
	}
	return &ExternalServiceError{Err: err, Op: op, Kind: kind, StatusCode: status}
}
