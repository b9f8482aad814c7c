package paging

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request is the transport-neutral request template a fetcher replays for
// every follow-up page. Only the URL changes between fetches; method and
// headers are reused verbatim.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// Clone returns a deep copy with the given URL substituted, leaving the
// original template untouched.
func (r *Request) Clone(u *url.URL) *Request {
	return &Request{
		Method: r.Method,
		URL:    u,
		Header: r.Header.Clone(),
	}
}

// Executor dispatches a request and yields the raw response payload.
// The transport package provides the default implementation; tests supply
// stubs. Retry and timeout policy live behind this interface, not in the
// fetcher.
type Executor interface {
	Execute(ctx context.Context, req *Request) ([]byte, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, req *Request) ([]byte, error) {
	return f(ctx, req)
}

// ContinuationURL builds the follow-up page URL from the original request
// URL and a continuation token, allowing service-specific continuation
// encoding.
type ContinuationURL func(original *url.URL, token string) (*url.URL, error)

// continuationParam is the query parameter used by DefaultContinuationURL
// for bare (non-URL) tokens.
const continuationParam = "continuationToken"

// DefaultContinuationURL handles the two common token shapes: full next-page
// URLs are used verbatim, and bare tokens are carried in a query parameter
// on the original URL.
func DefaultContinuationURL(original *url.URL, token string) (*url.URL, error) {
	if strings.HasPrefix(token, "http") {
		u, err := url.Parse(token)
		if err != nil {
			return nil, fmt.Errorf("paging: invalid continuation URL: %w", err)
		}

		return u, nil
	}

	next := *original
	q := next.Query()
	q.Set(continuationParam, token)
	next.RawQuery = q.Encode()

	return &next, nil
}
