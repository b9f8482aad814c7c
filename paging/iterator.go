package paging

import "context"

// Iterator presents a synchronous pull view over a Fetcher. Next hands out
// items immediately while the current page lasts, and blocks the calling
// goroutine on the in-flight fetch at page boundaries.
//
// Next must not be called from the fetcher's completion delivery goroutine
// (i.e. from inside a FetchNextPage or NextItem completion): the iterator
// waits on that goroutine to deliver the fetch result, so calling it there
// deadlocks.
//
// Exhaustion and fetch failure are distinguishable: Next returns ok=false
// for both, and Err reports the failure, if any, that terminated iteration.
type Iterator[T any] struct {
	fetcher *Fetcher[T]
	ctx     context.Context
	err     error
	done    bool
}

// NewIterator wraps a fetcher. The context bounds every follow-up fetch the
// iterator triggers.
func NewIterator[T any](ctx context.Context, fetcher *Fetcher[T]) *Iterator[T] {
	return &Iterator[T]{fetcher: fetcher, ctx: ctx}
}

// Next returns the next item in sequence. ok is false once the result set
// is exhausted or a fetch has failed; check Err to tell the two apart.
func (it *Iterator[T]) Next() (item T, ok bool) {
	if it.done {
		return item, false
	}

	for {
		if item, ok = it.fetcher.nextFromWindow(); ok {
			return item, true
		}

		if it.fetcher.IsExhausted() {
			it.done = true
			return item, false
		}

		page, err := it.fetcher.fetchNextPageSync(it.ctx)
		if err != nil {
			it.err = err
			it.done = true

			return item, false
		}

		if len(page) == 0 {
			it.done = true
			return item, false
		}
	}
}

// Err returns the fetch error that ended iteration, or nil if iteration
// ended by exhaustion (or has not ended).
func (it *Iterator[T]) Err() error {
	return it.err
}
