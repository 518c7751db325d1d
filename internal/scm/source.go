package scm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrRateLimited matches any source error of kind rate_limited.
	ErrRateLimited = errors.New("source rate limited")

	// ErrTimeout matches any source error of kind timeout.
	ErrTimeout = errors.New("source timeout")

	// ErrNoAdapter is returned when no adapter is registered for a job type.
	ErrNoAdapter = errors.New("no source adapter")
)

// FetchRequest asks a source for records with watermark >= Since (and
// <= Until when set). Marker continues a previous page.
type FetchRequest struct {
	Repo      *Repository
	JobType   JobType
	Since     Watermark
	Until     *Watermark
	BatchSize int
	Marker    string
}

// FetchResult is one page of records in ascending watermark order.
type FetchResult struct {
	Records    []Record
	HasMore    bool
	LastMarker string
}

// Adapter fetches records from an upstream system. Implementations must be
// safe to call again with an overlapping window.
type Adapter interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// Adapters maps job types to their source adapter.
type Adapters map[JobType]Adapter

// For returns the adapter for jt.
func (a Adapters) For(jt JobType) (Adapter, error) {
	ad, ok := a[jt]
	if !ok || ad == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoAdapter, jt)
	}
	return ad, nil
}

// ErrorKind classifies source failures for the circuit breaker.
type ErrorKind string

const (
	KindFailure     ErrorKind = "failure"
	KindRateLimited ErrorKind = "rate_limited"
	KindTimeout     ErrorKind = "timeout"
)

// SourceError wraps an upstream failure with its classification.
type SourceError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *SourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("source %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrRateLimited and ErrTimeout by kind.
func (e *SourceError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// NewHTTPError builds a SourceError from an HTTP status code.
func NewHTTPError(status int, err error) *SourceError {
	kind := KindFailure
	switch status {
	case 429:
		kind = KindRateLimited
	case 408, 504:
		kind = KindTimeout
	}
	return &SourceError{Kind: kind, StatusCode: status, Err: err}
}

// ClassifyError maps an adapter error to a breaker outcome kind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindFailure
}
