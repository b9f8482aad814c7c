package paging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](it *Iterator[T]) []T {
	var out []T

	for {
		item, ok := it.Next()
		if !ok {
			return out
		}

		out = append(out, item)
	}
}

func TestIterator_DrainsAcrossPages(t *testing.T) {
	exec := &stubExecutor{responses: []stubResponse{
		{payload: `{"items":["c","d"],"continuationToken":"t2"}`},
		{payload: `{"items":["e"]}`},
	}}
	f := newStringFetcher(t, exec, `{"items":["a","b"],"continuationToken":"t1"}`)

	it := NewIterator(context.Background(), f)

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, drain(it))
	require.NoError(t, it.Err())

	// Iteration stays finished.
	_, ok := it.Next()
	assert.False(t, ok)
}

func TestIterator_ExhaustionVersusFailure(t *testing.T) {
	t.Run("exhaustion ends cleanly", func(t *testing.T) {
		f := newStringFetcher(t, &stubExecutor{}, `{"items":["a"]}`)
		it := NewIterator(context.Background(), f)

		assert.Equal(t, []string{"a"}, drain(it))
		assert.NoError(t, it.Err())
	})

	t.Run("fetch failure is reported", func(t *testing.T) {
		transportErr := errors.New("boom")
		exec := &stubExecutor{responses: []stubResponse{{err: transportErr}}}
		f := newStringFetcher(t, exec, `{"items":["a"],"continuationToken":"t1"}`)
		it := NewIterator(context.Background(), f)

		assert.Equal(t, []string{"a"}, drain(it))
		assert.ErrorIs(t, it.Err(), transportErr)
	})
}

func TestIterator_EmptyFollowUpPage(t *testing.T) {
	exec := &stubExecutor{responses: []stubResponse{
		{payload: `{"items":[],"continuationToken":"t2"}`},
	}}
	f := newStringFetcher(t, exec, `{"items":["a"],"continuationToken":"t1"}`)
	it := NewIterator(context.Background(), f)

	assert.Equal(t, []string{"a"}, drain(it))
	assert.NoError(t, it.Err())
}

func TestIterator_SharesCursorWithFetcher(t *testing.T) {
	f := newStringFetcher(t, &stubExecutor{}, `{"items":["a","b","c"]}`)

	// A single item consumed through the async pull leaves the iterator
	// picking up from the shared cursor.
	_ = nextItemSync(t, f)

	it := NewIterator(context.Background(), f)
	assert.Equal(t, []string{"b", "c"}, drain(it))
}
