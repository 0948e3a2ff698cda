package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrNotFound indicates a record or resource was not found
	ErrNotFound = errors.New("not found")

	// ErrRecordExists indicates an insert hit an already-present key
	ErrRecordExists = errors.New("record already exists")

	// ErrCacheMiss indicates a cache miss
	ErrCacheMiss = errors.New("cache miss")

	// ErrRateLimited indicates rate limiting was encountered
	ErrRateLimited = errors.New("rate limited")

	// ErrForbidden indicates access was denied by the remote host
	ErrForbidden = errors.New("forbidden")

	// ErrTimeout indicates a timeout occurred
	ErrTimeout = errors.New("timeout")

	// ErrInvalidURL indicates an invalid URL was provided
	ErrInvalidURL = errors.New("invalid URL")

	// ErrStoreLocked indicates the local spreadsheet file is held by
	// another process; the write is preserved in the side buffer
	ErrStoreLocked = errors.New("store locked")

	// ErrMissingCredentials indicates remote sync was requested without
	// the credentials it needs
	ErrMissingCredentials = errors.New("missing remote credentials")
)

// FetchError represents an error during fetching
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch error for %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch error for %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a new FetchError
func NewFetchError(url string, statusCode int, err error) *FetchError {
	return &FetchError{URL: url, StatusCode: statusCode, Err: err}
}

// RetryableError indicates an error that can be retried
type RetryableError struct {
	Err        error
	RetryAfter int // Seconds to wait before retry, 0 if unknown
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("retryable error (retry after %ds): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// ExtractionError indicates the fetched document did not match the shape
// the adapter expected. It is never retried.
type ExtractionError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed for %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed for %s: %s", e.URL, e.Reason)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// NewExtractionError creates a new ExtractionError
func NewExtractionError(url, reason string, err error) *ExtractionError {
	return &ExtractionError{URL: url, Reason: reason, Err: err}
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		if fetchErr.StatusCode == 429 {
			return true
		}
		if fetchErr.StatusCode >= 500 && fetchErr.StatusCode < 600 {
			return true
		}
	}

	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStoreLocked)
}

// IsNotFound reports whether err represents a terminal 404
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) && fetchErr.StatusCode == 404
}

// IsForbidden reports whether err represents a terminal 401/403
func IsForbidden(err error) bool {
	if errors.Is(err, ErrForbidden) {
		return true
	}
	var fetchErr *FetchError
	return errors.As(err, &fetchErr) &&
		(fetchErr.StatusCode == 401 || fetchErr.StatusCode == 403)
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}
