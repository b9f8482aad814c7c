package paging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Control tells page and item iteration whether to keep going. It is a
// deliberate two-variant signal, separate from error results.
type Control int

const (
	// Continue requests the next page or item.
	Continue Control = iota
	// Stop ends iteration without error.
	Stop
)

// PageCompletion receives the outcome of an asynchronous page fetch.
// Exactly one of page/err is meaningful.
type PageCompletion[T any] func(page []T, err error)

// ItemCompletion receives the outcome of an asynchronous single-item pull.
type ItemCompletion[T any] func(item T, err error)

// Fetcher drives page-by-page and item-by-item consumption of one logical
// query. It owns the growing item buffer, the current page window, and the
// continuation token, and issues follow-up requests through the injected
// Executor when the current page runs out.
//
// A Fetcher's buffer only grows: previously fetched items are never removed
// or reordered, and a failed follow-up fetch leaves all prior state intact.
// Fetches are serialized. The fetcher is not designed for concurrent
// FetchNextPage calls, and reports ErrFetchInFlight if one is attempted
// while another is outstanding.
type Fetcher[T any] struct {
	executor Executor
	nextURL  ContinuationURL
	codec    Codec
	logger   *slog.Logger

	template *Request
	dispatch *dispatcher

	mu         sync.Mutex
	buffer     []T
	pageStart  int // pageWindow = buffer[pageStart:], always a suffix
	itemCursor int // next item to hand out, relative to pageStart
	token      string
	inFlight   bool
}

// FetcherOptions tunes fetcher construction. The zero value is usable.
type FetcherOptions struct {
	// Codec overrides the default "items"/"continuationToken" key paths.
	Codec Codec

	// NextURL overrides DefaultContinuationURL.
	NextURL ContinuationURL

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewFetcher seeds a fetcher from the response that started the query.
// The payload must be non-empty (ErrNoData) and must contain the configured
// items path (ErrNotPaged). The template's method, URL, and headers are
// replayed, with only the URL rewritten, for every follow-up page.
func NewFetcher[T any](executor Executor, template *Request, payload []byte, opts *FetcherOptions) (*Fetcher[T], error) {
	if opts == nil {
		opts = &FetcherOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nextURL := opts.NextURL
	if nextURL == nil {
		nextURL = DefaultContinuationURL
	}

	f := &Fetcher[T]{
		executor: executor,
		nextURL:  nextURL,
		codec:    opts.Codec,
		logger:   logger,
		template: template,
		dispatch: newDispatcher(),
	}

	items, token, err := f.decodePage(payload)
	if err != nil {
		f.dispatch.close()
		return nil, err
	}

	f.buffer = items
	f.pageStart = 0
	f.itemCursor = 0
	f.token = token

	logger.Debug("fetcher initialized",
		slog.Int("items", len(items)),
		slog.Bool("exhausted", token == ""),
	)

	return f, nil
}

// Close stops the completion delivery goroutine after draining any queued
// completions. The fetcher must not be used afterwards.
func (f *Fetcher[T]) Close() {
	f.dispatch.close()
}

// CurrentPage returns the items of the most recently fetched page.
func (f *Fetcher[T]) CurrentPage() []T {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.buffer[f.pageStart:len(f.buffer):len(f.buffer)]
}

// IsExhausted reports whether the server has stopped paging. Once true, no
// further network activity is initiated by this fetcher.
func (f *Fetcher[T]) IsExhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.token == ""
}

// FetchNextPage fetches the follow-up page and delivers it through complete
// on the fetcher's delivery goroutine. If the fetcher is exhausted this is a
// no-op and complete is never invoked. On failure the prior page, buffer,
// and token are left untouched, so the call can simply be retried.
func (f *Fetcher[T]) FetchNextPage(ctx context.Context, complete PageCompletion[T]) {
	f.mu.Lock()

	if f.token == "" {
		f.mu.Unlock()
		return
	}

	if f.inFlight {
		f.mu.Unlock()
		f.dispatch.enqueue(func() { complete(nil, ErrFetchInFlight) })

		return
	}

	f.inFlight = true
	token := f.token
	f.mu.Unlock()

	go func() {
		page, err := f.fetchPage(ctx, token)
		f.dispatch.enqueue(func() { complete(page, err) })
	}()
}

// fetchPage performs one follow-up request and, on success, installs the new
// page under the fetcher's lock: items are appended, the page window
// advances to the new suffix, the item cursor resets, and the token is
// replaced. An empty successful page is treated as exhaustion rather than
// ever being indexed.
func (f *Fetcher[T]) fetchPage(ctx context.Context, token string) ([]T, error) {
	defer func() {
		f.mu.Lock()
		f.inFlight = false
		f.mu.Unlock()
	}()

	u, err := f.nextURL(f.template.URL, token)
	if err != nil {
		return nil, err
	}

	payload, err := f.executor.Execute(ctx, f.template.Clone(u))
	if err != nil {
		return nil, fmt.Errorf("paging: fetching next page: %w", err)
	}

	items, next, err := f.decodePage(payload)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.pageStart = len(f.buffer)
	f.buffer = append(f.buffer, items...)
	f.itemCursor = 0
	f.token = next

	if len(items) == 0 {
		// A successful page with zero items cannot supply another item,
		// so it counts as exhaustion regardless of the returned token.
		f.token = ""
	}
	f.mu.Unlock()

	f.logger.Debug("fetched page",
		slog.Int("items", len(items)),
		slog.Int("buffer", f.len()),
		slog.Bool("exhausted", f.IsExhausted()),
	)

	return items, nil
}

// decodePage runs the codec over a raw payload and converts the matched
// items into the fetcher's item type.
func (f *Fetcher[T]) decodePage(payload []byte) ([]T, string, error) {
	doc, err := f.codec.Decode(payload)
	if err != nil {
		return nil, "", err
	}

	raw, err := f.codec.ExtractItems(doc)
	if err != nil {
		return nil, "", err
	}

	token, err := f.codec.ExtractToken(doc)
	if err != nil {
		return nil, "", err
	}

	items := make([]T, len(raw))

	for i, r := range raw {
		// Raw items are generic JSON values; a marshal/unmarshal round
		// trip converts them into the caller's concrete shape.
		b, marshalErr := json.Marshal(r)
		if marshalErr != nil {
			return nil, "", &DecodeError{Index: i, Err: marshalErr}
		}

		if unmarshalErr := json.Unmarshal(b, &items[i]); unmarshalErr != nil {
			return nil, "", &DecodeError{Index: i, Err: unmarshalErr}
		}
	}

	return items, token, nil
}

// ForEachPage delivers the current page, then fetches and delivers
// subsequent pages while fn returns Continue. It returns nil on Stop or
// exhaustion, and the first fetch error otherwise. Fetches are driven
// strictly one at a time.
func (f *Fetcher[T]) ForEachPage(ctx context.Context, fn func(page []T) Control) error {
	page := f.CurrentPage()

	for {
		if fn(page) == Stop {
			return nil
		}

		if f.IsExhausted() {
			return nil
		}

		var err error

		page, err = f.fetchNextPageSync(ctx)
		if err != nil {
			return err
		}

		if len(page) == 0 {
			return nil
		}
	}
}

// ForEachItem invokes fn for every item, fetching pages as needed, until fn
// returns Stop or the result set is exhausted. The item cursor is shared
// with NextItem: iteration picks up wherever single-item pulls left off.
func (f *Fetcher[T]) ForEachItem(ctx context.Context, fn func(item T) Control) error {
	return f.ForEachPage(ctx, func([]T) Control {
		for {
			item, ok := f.nextFromWindow()
			if !ok {
				// Current page consumed; let the page loop fetch the next.
				return Continue
			}

			if fn(item) == Stop {
				return Stop
			}
		}
	})
}

// NextItem delivers exactly one item through complete. Within the current
// page it hands out buffer items in order; at a page boundary it triggers
// one follow-up fetch. If the fetcher is globally exhausted, complete is
// never invoked.
func (f *Fetcher[T]) NextItem(ctx context.Context, complete ItemCompletion[T]) {
	f.mu.Lock()

	if f.pageStart+f.itemCursor < len(f.buffer) {
		item := f.buffer[f.pageStart+f.itemCursor]
		f.itemCursor++
		f.mu.Unlock()

		f.dispatch.enqueue(func() { complete(item, nil) })

		return
	}

	exhausted := f.token == ""
	f.mu.Unlock()

	if exhausted {
		return
	}

	f.FetchNextPage(ctx, func(page []T, err error) {
		var zero T

		if err != nil {
			complete(zero, err)
			return
		}

		if len(page) == 0 {
			// Empty follow-up page: exhaustion, no item to deliver.
			return
		}

		f.mu.Lock()
		f.itemCursor = 1
		f.mu.Unlock()

		complete(page[0], nil)
	})
}

// All drains every remaining page and returns the complete accumulated
// buffer.
func (f *Fetcher[T]) All(ctx context.Context) ([]T, error) {
	err := f.ForEachPage(ctx, func([]T) Control { return Continue })
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]T, len(f.buffer))
	copy(out, f.buffer)

	return out, nil
}

// nextFromWindow hands out the next unconsumed item of the current page,
// advancing the shared item cursor. ok is false once the page is consumed.
func (f *Fetcher[T]) nextFromWindow() (item T, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pageStart+f.itemCursor >= len(f.buffer) {
		return item, false
	}

	item = f.buffer[f.pageStart+f.itemCursor]
	f.itemCursor++

	return item, true
}

// fetchNextPageSync bridges one FetchNextPage call into a blocking result
// for the sequential iteration drivers.
func (f *Fetcher[T]) fetchNextPageSync(ctx context.Context) ([]T, error) {
	type result struct {
		page []T
		err  error
	}

	ch := make(chan result, 1)

	f.FetchNextPage(ctx, func(page []T, err error) {
		ch <- result{page: page, err: err}
	})

	res := <-ch

	return res.page, res.err
}

func (f *Fetcher[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.buffer)
}
