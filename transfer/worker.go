package transfer

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Lifecycle request errors returned by a ProgressFunc so the handler can
// unwind. The worker maps them back onto the state machine.
var (
	ErrCancelRequested = errors.New("transfer: cancellation requested")
	ErrPauseRequested  = errors.New("transfer: pause requested")
)

// Default worker count when none is configured.
const defaultWorkers = 4

// queueBuffer sizes the dispatch channel so Enqueue rarely blocks.
const queueBuffer = 1024

// ProgressFunc is called by a Handler as bytes move. A non-nil return means
// a lifecycle request (cancel, pause, shutdown) has been observed and the
// handler must stop, returning that error.
type ProgressFunc func(bytes int64, total *int64) error

// Handler moves the bytes for one transfer. client and options come from
// the Notifier's restoration lookups for the record's RestorationID and
// carry whatever execution context the handler needs; the core never
// interprets them.
type Handler interface {
	Run(ctx context.Context, rec *Record, client, options any, report ProgressFunc) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, rec *Record, client, options any, report ProgressFunc) error

func (f HandlerFunc) Run(ctx context.Context, rec *Record, client, options any, report ProgressFunc) error {
	return f(ctx, rec, client, options, report)
}

// Worker executes transfer records through a bounded pool. It drives the
// state machine, observes pause/cancel requests at every progress report,
// reports through the Notifier, and persists the registry after every state
// change.
//
// Records interrupted by Stop (or a crash) stay inProgress in the persisted
// snapshot and are re-dispatched, re-attached to a live client via the
// Notifier's restoration lookups, the next time Start runs.
type Worker struct {
	registry *Registry
	notifier Notifier
	handler  Handler
	workers  int
	logger   *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group

	// mu guards queue lifecycle so a late Enqueue (e.g. a Resume through
	// the still-attached registry) never sends on a closed channel.
	mu     sync.Mutex
	queue  chan *Record
	closed bool
}

// NewWorker creates a pool without starting it. workers <= 0 means
// defaultWorkers.
func NewWorker(registry *Registry, notifier Notifier, handler Handler, workers int, logger *slog.Logger) *Worker {
	if workers <= 0 {
		workers = defaultWorkers
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		registry: registry,
		notifier: notifier,
		handler:  handler,
		workers:  workers,
		logger:   logger,
	}
}

// Start attaches the pool to the registry, spawns the worker goroutines,
// and dispatches every runnable record already in the registry: pending
// records without a pause request, plus inProgress records restored from a
// previous run.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.mu.Lock()
	w.queue = make(chan *Record, queueBuffer)
	w.closed = false
	w.mu.Unlock()

	w.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < w.workers; i++ {
		w.group.Go(func() error {
			w.run(ctx)
			return nil
		})
	}

	w.registry.AttachWorker(w)

	dispatched := 0

	for _, rec := range w.registry.Records() {
		if w.runnable(rec) {
			w.Enqueue(rec)

			dispatched++
		}
	}

	w.logger.Info("transfer worker started",
		slog.Int("workers", w.workers),
		slog.Int("dispatched", dispatched),
	)
}

// Enqueue hands a record to the pool. Safe to call from Registry.Resume and
// from callers after Add. After Stop it is a no-op.
func (w *Worker) Enqueue(rec *Record) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.queue == nil {
		return
	}

	w.queue <- rec
}

// Stop cancels in-flight handlers and waits for the pool to drain. Records
// that were mid-transfer remain inProgress in the persisted snapshot for
// the next Start.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}

	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	w.group.Wait() //nolint:errcheck // workers never return errors

	w.logger.Info("transfer worker stopped")
}

func (w *Worker) runnable(rec *Record) bool {
	switch rec.State() {
	case StatePending:
		return !rec.pauseRequested.Load() && !rec.cancelRequested.Load()
	case StateInProgress:
		// Restored from a snapshot taken mid-transfer.
		return true
	default:
		return false
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-w.queue:
			if !ok {
				return
			}

			w.execute(ctx, rec)
		}
	}
}

// execute runs one record through the handler and maps the outcome onto the
// state machine.
func (w *Worker) execute(ctx context.Context, rec *Record) {
	if rec.cancelRequested.Load() {
		w.settle(rec, StateCancelled)
		return
	}

	if rec.pauseRequested.Load() {
		// Stays where it is until resumed.
		return
	}

	client := w.notifier.ClientFor(rec.RestorationID)
	options := w.notifier.OptionsFor(rec.RestorationID)

	if err := rec.transition(StateInProgress); err != nil {
		w.logger.Warn("record not startable",
			slog.String("id", rec.ID.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	w.persist(ctx, rec)
	w.notifier.OnUpdate(rec, StateInProgress, rec.Progress())

	report := func(bytes int64, total *int64) error {
		rec.setProgress(bytes, total)

		if rec.cancelRequested.Load() {
			return ErrCancelRequested
		}

		if rec.pauseRequested.Load() {
			return ErrPauseRequested
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.notifier.OnUpdate(rec, StateInProgress, rec.Progress())
		w.persist(ctx, rec)

		return nil
	}

	err := w.handler.Run(ctx, rec, client, options, report)

	switch {
	case err == nil:
		if transitionErr := rec.transition(StateCompleted); transitionErr != nil {
			w.logger.Warn("completion transition rejected",
				slog.String("id", rec.ID.String()),
				slog.String("error", transitionErr.Error()),
			)

			return
		}

		w.persist(ctx, rec)
		w.notifier.OnCompletion(rec)

	case errors.Is(err, ErrPauseRequested):
		w.settle(rec, StatePaused)

	case errors.Is(err, ErrCancelRequested):
		w.settle(rec, StateCancelled)

	case errors.Is(err, context.Canceled):
		// Pool shutdown mid-transfer: keep inProgress with the latest
		// progress so the next Start re-dispatches it.
		w.persist(ctx, rec)

	default:
		rec.setError(err)

		if transitionErr := rec.transition(StateFailed); transitionErr != nil {
			w.logger.Warn("failure transition rejected",
				slog.String("id", rec.ID.String()),
				slog.String("error", transitionErr.Error()),
			)

			return
		}

		w.persist(ctx, rec)
		w.notifier.OnFailure(rec, err)
	}
}

// settle applies a requested pause/cancel outcome, persists, and notifies.
func (w *Worker) settle(rec *Record, state State) {
	if err := rec.transition(state); err != nil {
		w.logger.Warn("requested transition rejected",
			slog.String("id", rec.ID.String()),
			slog.String("state", state.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	w.persist(context.Background(), rec)
	w.notifier.OnUpdate(rec, rec.State(), rec.Progress())
}

// persist saves the registry snapshot. Shutdown cancellation must not lose
// the final state, so persistence runs detached from the worker context.
func (w *Worker) persist(ctx context.Context, rec *Record) {
	if err := w.registry.SaveContext(context.WithoutCancel(ctx)); err != nil {
		w.logger.Warn("persisting transfer state failed",
			slog.String("id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
