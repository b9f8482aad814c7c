// Package paging implements lazy, continuation-token-driven pagination over
// unbounded server result sets. A Fetcher accumulates items page by page,
// issuing follow-up requests through an injected Executor whenever the
// current page is exhausted and a continuation token remains.
package paging

import (
	"errors"
	"fmt"
)

// Sentinel errors for pagination failures.
// Use errors.Is(err, paging.ErrNotPaged) to check.
var (
	// ErrNoData indicates an empty response payload where one was required.
	ErrNoData = errors.New("paging: empty response payload")

	// ErrNotPaged indicates the payload does not contain the configured
	// items path.
	ErrNotPaged = errors.New("paging: payload has no items collection at the configured path")

	// ErrAmbiguousPath indicates more than one value matched a configured
	// key path.
	ErrAmbiguousPath = errors.New("paging: key path matches more than one value")

	// ErrFetchInFlight indicates a second page fetch was issued while one
	// was still outstanding on the same fetcher.
	ErrFetchInFlight = errors.New("paging: a page fetch is already in flight")
)

// DecodeError wraps a failure to convert a raw item payload into the
// caller's item type.
type DecodeError struct {
	Index int // position of the offending item within its page
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("paging: decoding item %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
