package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Store is the durable backing for a registry. Load reconstructs the full
// record collection at startup; Save persists a full snapshot after every
// mutating operation.
type Store interface {
	Load(ctx context.Context) ([]*Record, error)
	Save(ctx context.Context, records []*Record) error
}

// enqueuer hands resumed records back to an executing worker pool.
type enqueuer interface {
	Enqueue(rec *Record)
}

// Registry is the ordered collection of transfer records. All membership
// and lifecycle operations persist the full collection through the Store,
// so in-memory and durable state never drift.
//
// Lifecycle operations are requests: the executing worker observes
// cancellation and pause between progress reports and transitions state
// asynchronously. Records that are not running (pending, paused) transition
// immediately.
type Registry struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger

	// mu serializes membership mutation, bulk snapshots, and persistence.
	// Save and Load are mutually exclusive by construction.
	mu      sync.Mutex
	records []*Record
	worker  enqueuer
}

// NewRegistry creates an empty registry. notifier may be nil when no
// observer is interested in direct registry transitions.
func NewRegistry(store Store, notifier Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// AttachWorker connects the worker pool that executes records, so Resume
// can re-dispatch paused transfers.
func (r *Registry) AttachWorker(w enqueuer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.worker = w
}

// Add registers a record and persists the collection.
func (r *Registry) Add(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, rec)

	r.logger.Debug("transfer added",
		slog.String("id", rec.ID.String()),
		slog.String("kind", rec.Kind.String()),
	)

	return r.saveLocked(ctx)
}

// Remove cancels the record if it is not already terminal, drops it from
// the registry, and persists.
func (r *Registry) Remove(ctx context.Context, rec *Record) error {
	r.mu.Lock()

	cancelled := r.requestCancel(rec)

	r.records = slices.DeleteFunc(r.records, func(existing *Record) bool {
		return existing.ID == rec.ID
	})

	err := r.saveLocked(ctx)
	r.mu.Unlock()

	if cancelled {
		r.notifyUpdate(rec)
	}

	return err
}

// RemoveAll cancels every non-terminal record, empties the registry, and
// persists.
func (r *Registry) RemoveAll(ctx context.Context) error {
	r.mu.Lock()

	var cancelled []*Record

	for _, rec := range r.records {
		if r.requestCancel(rec) {
			cancelled = append(cancelled, rec)
		}
	}

	r.records = nil

	err := r.saveLocked(ctx)
	r.mu.Unlock()

	for _, rec := range cancelled {
		r.notifyUpdate(rec)
	}

	return err
}

// Cancel requests cancellation of one record. Running records are stopped
// by the worker at its next progress report; idle records transition
// immediately. Terminal records are left untouched.
func (r *Registry) Cancel(ctx context.Context, rec *Record) error {
	r.mu.Lock()

	cancelled := r.requestCancel(rec)

	err := r.saveLocked(ctx)
	r.mu.Unlock()

	if cancelled {
		r.notifyUpdate(rec)
	}

	return err
}

// CancelAll requests cancellation of a point-in-time snapshot of all
// records.
func (r *Registry) CancelAll(ctx context.Context) error {
	r.mu.Lock()

	var cancelled []*Record

	for _, rec := range r.records {
		if r.requestCancel(rec) {
			cancelled = append(cancelled, rec)
		}
	}

	err := r.saveLocked(ctx)
	r.mu.Unlock()

	for _, rec := range cancelled {
		r.notifyUpdate(rec)
	}

	return err
}

// Pause requests that one record be paused. The executing worker observes
// the request at its next progress report.
func (r *Registry) Pause(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestPause(rec)

	return r.saveLocked(ctx)
}

// PauseAll requests that every record in a point-in-time snapshot be paused.
func (r *Registry) PauseAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		r.requestPause(rec)
	}

	return r.saveLocked(ctx)
}

// Resume clears any pause request and re-dispatches a paused record to the
// attached worker pool.
func (r *Registry) Resume(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestResume(rec)

	return r.saveLocked(ctx)
}

// ResumeAll resumes every paused record in a point-in-time snapshot.
func (r *Registry) ResumeAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		r.requestResume(rec)
	}

	return r.saveLocked(ctx)
}

// Records returns a snapshot of the collection in insertion order.
func (r *Registry) Records() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Record, len(r.records))
	copy(out, r.records)

	return out
}

// ByID returns the record with the given identity, or nil.
func (r *Registry) ByID(id uuid.UUID) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.ID == id {
			return rec
		}
	}

	return nil
}

// ByKind returns all records of the given kind, preserving insertion order.
func (r *Registry) ByKind(kind Kind) []*Record {
	return r.filter(func(rec *Record) bool {
		return rec.Kind == kind
	})
}

// BySource returns all records whose source is the given local path.
func (r *Registry) BySource(localPath string) []*Record {
	return r.filter(func(rec *Record) bool {
		return rec.Source != nil && rec.Source.LocalPath == localPath
	})
}

// ByDestination returns all records whose destination is the given
// container/name pair.
func (r *Registry) ByDestination(container, name string) []*Record {
	return r.filter(func(rec *Record) bool {
		return rec.Destination != nil &&
			rec.Destination.Container == container &&
			rec.Destination.Name == name
	})
}

// filter is a pure predicate query over the in-memory collection with no
// network or persistence access.
func (r *Registry) filter(keep func(*Record) bool) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Record

	for _, rec := range r.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}

	return out
}

// LoadContext reconstructs the registry from durable storage. Called once
// at startup, before any worker is started.
func (r *Registry) LoadContext(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("transfer: loading registry: %w", err)
	}

	r.records = records

	r.logger.Info("transfer registry loaded", slog.Int("records", len(records)))

	return nil
}

// SaveContext persists the full collection.
func (r *Registry) SaveContext(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.saveLocked(ctx)
}

func (r *Registry) saveLocked(ctx context.Context) error {
	if err := r.store.Save(ctx, r.records); err != nil {
		return fmt.Errorf("transfer: persisting registry: %w", err)
	}

	return nil
}

// requestCancel sets cancellation intent and transitions idle records
// immediately. Running records are left to the worker. Reports whether the
// record transitioned, so callers can notify after releasing the lock.
func (r *Registry) requestCancel(rec *Record) bool {
	if rec.State().Terminal() {
		return false
	}

	rec.cancelRequested.Store(true)

	state := rec.State()
	if state == StatePending || state == StatePaused {
		if err := rec.transition(StateCancelled); err != nil {
			r.logger.Warn("cancel transition rejected",
				slog.String("id", rec.ID.String()),
				slog.String("error", err.Error()),
			)

			return false
		}

		return true
	}

	return false
}

// requestPause sets pause intent for the worker to observe. Terminal
// records are left untouched.
func (r *Registry) requestPause(rec *Record) {
	if rec.State().Terminal() {
		return
	}

	rec.pauseRequested.Store(true)
}

// requestResume clears pause intent and re-dispatches the record. A pending
// record with a pause request was dropped by the worker before it ran, so it
// needs re-dispatch just like a paused one.
func (r *Registry) requestResume(rec *Record) {
	if rec.State().Terminal() {
		return
	}

	wasRequested := rec.pauseRequested.Swap(false)

	if r.worker == nil {
		return
	}

	state := rec.State()
	if state == StatePaused || (state == StatePending && wasRequested) {
		r.worker.Enqueue(rec)
	}
}

// notifyUpdate reports a transition through the notifier. Must be called
// without r.mu held: a notifier is free to call back into the registry.
func (r *Registry) notifyUpdate(rec *Record) {
	if r.notifier != nil {
		r.notifier.OnUpdate(rec, rec.State(), rec.Progress())
	}
}
