// Package transfer implements the resumable transfer queue: persisted
// records describing long-running upload/download/copy operations, an
// ordered registry with lifecycle control, a notifier contract for
// progress/state reporting and post-restart restoration, and a bounded
// worker pool that executes records through a caller-supplied handler.
package transfer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// ErrInvalidTransition indicates an attempted transfer state transition the
// state machine does not allow.
var ErrInvalidTransition = errors.New("transfer: invalid state transition")

// Kind identifies the direction of a transfer.
type Kind int

const (
	KindUpload Kind = iota
	KindDownload
	KindCopy
)

var kindNames = map[Kind]string{
	KindUpload:   "upload",
	KindDownload: "download",
	KindCopy:     "copy",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a persisted kind name back to its Kind value.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("transfer: unknown kind %q", s)
}

// State is a transfer lifecycle value.
//
// The machine is pending → inProgress → {paused, completed, failed,
// cancelled}, with paused → {inProgress, cancelled}. A pending record may
// also be cancelled before it ever starts. completed, failed, and cancelled
// are terminal.
type State int

const (
	StatePending State = iota
	StateInProgress
	StatePaused
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StatePending:    "pending",
	StateInProgress: "inProgress",
	StatePaused:     "paused",
	StateCompleted:  "completed",
	StateFailed:     "failed",
	StateCancelled:  "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState converts a persisted state name back to its State value.
func ParseState(s string) (State, error) {
	for st, name := range stateNames {
		if name == s {
			return st, nil
		}
	}

	return 0, fmt.Errorf("transfer: unknown state %q", s)
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether the state machine allows moving from s to.
func (s State) CanTransition(to State) bool {
	switch s {
	case StatePending:
		return to == StateInProgress || to == StateCancelled
	case StateInProgress:
		return to == StatePaused || to == StateCompleted || to == StateFailed || to == StateCancelled
	case StatePaused:
		return to == StateInProgress || to == StateCancelled
	default:
		return false
	}
}

// Location describes one endpoint of a transfer: a local file and/or a
// remote container+name pair. Unused fields are empty.
type Location struct {
	LocalPath string
	Container string
	Name      string
}

// Progress is a snapshot of bytes moved. Total is nil when the full size is
// unknown (e.g. chunked downloads without a Content-Length).
type Progress struct {
	Bytes int64
	Total *int64
}

// Fraction returns completion as a value in [0, 1]. ok is false when the
// total is unknown or zero.
func (p Progress) Fraction() (fraction float64, ok bool) {
	if p.Total == nil || *p.Total <= 0 {
		return 0, false
	}

	return float64(p.Bytes) / float64(*p.Total), true
}

func (p Progress) String() string {
	if fraction, ok := p.Fraction(); ok {
		return fmt.Sprintf("%s of %s (%.0f%%)",
			humanize.Bytes(uint64(p.Bytes)), humanize.Bytes(uint64(*p.Total)), fraction*100)
	}

	return humanize.Bytes(uint64(p.Bytes))
}

// Record is the persisted description of one long-running transfer. The
// identity fields are immutable after creation; state, progress, and the
// error message are guarded and mutated only through the registry and the
// executing worker.
//
// A record is created when a transfer is enqueued and removed only by
// explicit caller request, so completed and failed transfers stay queryable
// until purged.
type Record struct {
	ID            uuid.UUID
	Kind          Kind
	Source        *Location
	Destination   *Location
	RestorationID string
	CreatedAt     time.Time

	mu        sync.Mutex
	state     State
	progress  *Progress
	errMsg    string
	updatedAt time.Time

	// Lifecycle requests, observed asynchronously by the executing worker
	// between progress reports.
	cancelRequested atomic.Bool
	pauseRequested  atomic.Bool
}

// NewRecord creates a pending record with a fresh identity.
func NewRecord(kind Kind, source, destination *Location, restorationID string) *Record {
	now := time.Now()

	return &Record{
		ID:            uuid.New(),
		Kind:          kind,
		Source:        source,
		Destination:   destination,
		RestorationID: restorationID,
		CreatedAt:     now,
		state:         StatePending,
		updatedAt:     now,
	}
}

// State returns the current lifecycle value.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// Progress returns the latest progress snapshot, or nil if none has been
// reported.
func (r *Record) Progress() *Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.progress == nil {
		return nil
	}

	p := *r.progress

	return &p
}

// ErrorMessage returns the failure description for a failed record.
func (r *Record) ErrorMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.errMsg
}

// UpdatedAt returns the time of the last state or progress change.
func (r *Record) UpdatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.updatedAt
}

// transition moves the record to a new state. Re-entering the current state
// is a no-op; anything the machine forbids is ErrInvalidTransition and
// leaves the record unchanged.
func (r *Record) transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == to {
		return nil
	}

	if !r.state.CanTransition(to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.state, to)
	}

	r.state = to
	r.updatedAt = time.Now()

	return nil
}

// setProgress records a progress snapshot.
func (r *Record) setProgress(bytes int64, total *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.progress = &Progress{Bytes: bytes, Total: total}
	r.updatedAt = time.Now()
}

// setError records the failure description alongside a failed transition.
func (r *Record) setError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errMsg = err.Error()
	r.updatedAt = time.Now()
}
