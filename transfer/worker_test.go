package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newUploadRecord(restorationID string) *Record {
	return NewRecord(KindUpload,
		&Location{LocalPath: "/tmp/a"},
		&Location{Container: "docs", Name: "a"},
		restorationID)
}

func TestWorker_ExecutesToCompletion(t *testing.T) {
	ctx := context.Background()
	r, store, notifier := newTestRegistry(t)
	notifier.clients["r1"] = "client-1"
	notifier.options["r1"] = "opts-1"

	var gotClient, gotOptions any

	total := int64(100)
	handler := HandlerFunc(func(_ context.Context, _ *Record, client, options any, report ProgressFunc) error {
		gotClient, gotOptions = client, options

		for bytes := int64(25); bytes <= total; bytes += 25 {
			if err := report(bytes, &total); err != nil {
				return err
			}
		}

		return nil
	})

	w := NewWorker(r, notifier, handler, 2, testLogger())
	w.Start(ctx)
	defer w.Stop()

	rec := newUploadRecord("r1")
	require.NoError(t, r.Add(ctx, rec))
	w.Enqueue(rec)

	require.Eventually(t, func() bool {
		return rec.State() == StateCompleted
	}, waitFor, tick)

	assert.Equal(t, 1, notifier.completionCount())
	assert.True(t, notifier.sawState(StateInProgress))
	assert.Equal(t, "client-1", gotClient)
	assert.Equal(t, "opts-1", gotOptions)

	p := rec.Progress()
	require.NotNil(t, p)
	assert.Equal(t, total, p.Bytes)

	// Terminal state was persisted, not just held in memory.
	assert.Greater(t, store.saveCount(), 1)
	assert.Equal(t, StateCompleted, store.last[0].State())
}

func TestWorker_FailureReportsAndPersists(t *testing.T) {
	ctx := context.Background()
	r, _, notifier := newTestRegistry(t)

	transferErr := errors.New("checksum mismatch")
	handler := HandlerFunc(func(context.Context, *Record, any, any, ProgressFunc) error {
		return transferErr
	})

	w := NewWorker(r, notifier, handler, 1, testLogger())
	w.Start(ctx)
	defer w.Stop()

	rec := newUploadRecord("r1")
	require.NoError(t, r.Add(ctx, rec))
	w.Enqueue(rec)

	require.Eventually(t, func() bool {
		return rec.State() == StateFailed
	}, waitFor, tick)

	assert.Equal(t, 1, notifier.failureCount())
	assert.Equal(t, "checksum mismatch", rec.ErrorMessage())
	assert.Equal(t, 0, notifier.completionCount())
}

func TestWorker_PauseThenResume(t *testing.T) {
	ctx := context.Background()
	r, _, notifier := newTestRegistry(t)

	release := make(chan struct{})
	handler := HandlerFunc(func(_ context.Context, _ *Record, _, _ any, report ProgressFunc) error {
		if err := report(10, nil); err != nil {
			return err
		}

		<-release

		if err := report(20, nil); err != nil {
			return err
		}

		return nil
	})

	w := NewWorker(r, notifier, handler, 1, testLogger())
	w.Start(ctx)
	defer w.Stop()

	rec := newUploadRecord("r1")
	require.NoError(t, r.Add(ctx, rec))
	w.Enqueue(rec)

	// Wait for the first progress report, then request a pause.
	require.Eventually(t, func() bool {
		return rec.Progress() != nil
	}, waitFor, tick)

	require.NoError(t, r.Pause(ctx, rec))
	close(release)

	require.Eventually(t, func() bool {
		return rec.State() == StatePaused
	}, waitFor, tick)

	assert.True(t, notifier.sawState(StatePaused))

	// Resume re-dispatches through the registry's attached worker and the
	// transfer runs to completion.
	require.NoError(t, r.Resume(ctx, rec))

	require.Eventually(t, func() bool {
		return rec.State() == StateCompleted
	}, waitFor, tick)

	assert.Equal(t, 1, notifier.completionCount())
}

func TestWorker_CancelMidTransfer(t *testing.T) {
	ctx := context.Background()
	r, _, notifier := newTestRegistry(t)

	release := make(chan struct{})
	handler := HandlerFunc(func(_ context.Context, _ *Record, _, _ any, report ProgressFunc) error {
		if err := report(10, nil); err != nil {
			return err
		}

		<-release

		return report(20, nil)
	})

	w := NewWorker(r, notifier, handler, 1, testLogger())
	w.Start(ctx)
	defer w.Stop()

	rec := newUploadRecord("r1")
	require.NoError(t, r.Add(ctx, rec))
	w.Enqueue(rec)

	require.Eventually(t, func() bool {
		return rec.Progress() != nil
	}, waitFor, tick)

	require.NoError(t, r.Cancel(ctx, rec))
	close(release)

	require.Eventually(t, func() bool {
		return rec.State() == StateCancelled
	}, waitFor, tick)

	assert.True(t, notifier.sawState(StateCancelled))
	assert.Equal(t, 0, notifier.completionCount())
	assert.Equal(t, 0, notifier.failureCount())
}

func TestWorker_PauseBeforeStartThenResume(t *testing.T) {
	ctx := context.Background()
	r, _, notifier := newTestRegistry(t)

	handler := HandlerFunc(func(context.Context, *Record, any, any, ProgressFunc) error {
		return nil
	})

	w := NewWorker(r, notifier, handler, 1, testLogger())
	w.Start(ctx)
	defer w.Stop()

	rec := newUploadRecord("r1")
	require.NoError(t, r.Add(ctx, rec))
	require.NoError(t, r.Pause(ctx, rec))
	w.Enqueue(rec)

	// The worker drops the paused-pending record; a resume must
	// re-dispatch it rather than leave it stranded.
	require.NoError(t, r.Resume(ctx, rec))

	require.Eventually(t, func() bool {
		return rec.State() == StateCompleted
	}, waitFor, tick)

	assert.Equal(t, 1, notifier.completionCount())
}

func TestWorker_EnqueueAfterStopIsNoOp(t *testing.T) {
	ctx := context.Background()
	r, _, notifier := newTestRegistry(t)

	handler := HandlerFunc(func(context.Context, *Record, any, any, ProgressFunc) error {
		return nil
	})

	w := NewWorker(r, notifier, handler, 1, testLogger())
	w.Start(ctx)
	w.Stop()

	rec := newUploadRecord("r1")
	require.NoError(t, r.Add(ctx, rec))

	assert.NotPanics(t, func() { w.Enqueue(rec) })

	// A late resume through the still-attached registry is equally safe.
	require.NoError(t, rec.transition(StateInProgress))
	require.NoError(t, rec.transition(StatePaused))
	assert.NotPanics(t, func() {
		require.NoError(t, r.Resume(ctx, rec))
	})
}

func TestWorker_CancelledBeforeStartNeverRuns(t *testing.T) {
	ctx := context.Background()
	r, _, notifier := newTestRegistry(t)

	ran := false
	handler := HandlerFunc(func(context.Context, *Record, any, any, ProgressFunc) error {
		ran = true
		return nil
	})

	rec := newUploadRecord("r1")
	require.NoError(t, r.Add(ctx, rec))
	require.NoError(t, r.Cancel(ctx, rec))
	require.Equal(t, StateCancelled, rec.State())

	w := NewWorker(r, notifier, handler, 1, testLogger())
	w.Start(ctx)
	w.Stop()

	assert.False(t, ran)
}

func TestWorker_StartDispatchesRunnableRecords(t *testing.T) {
	ctx := context.Background()
	r, _, notifier := newTestRegistry(t)

	handler := HandlerFunc(func(context.Context, *Record, any, any, ProgressFunc) error {
		return nil
	})

	pending := newUploadRecord("r1")
	require.NoError(t, r.Add(ctx, pending))

	// Restored from a snapshot taken mid-transfer: re-dispatched as-is.
	restored := newUploadRecord("r2")
	require.NoError(t, restored.transition(StateInProgress))
	require.NoError(t, r.Add(ctx, restored))

	// Paused records wait for an explicit resume.
	paused := newUploadRecord("r3")
	require.NoError(t, paused.transition(StateInProgress))
	require.NoError(t, paused.transition(StatePaused))
	require.NoError(t, r.Add(ctx, paused))

	w := NewWorker(r, notifier, handler, 2, testLogger())
	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		return pending.State() == StateCompleted && restored.State() == StateCompleted
	}, waitFor, tick)

	assert.Equal(t, StatePaused, paused.State())
	assert.Equal(t, 2, notifier.completionCount())
}

func TestWorker_StopLeavesInFlightResumable(t *testing.T) {
	ctx := context.Background()
	r, store, notifier := newTestRegistry(t)

	handler := HandlerFunc(func(ctx context.Context, _ *Record, _, _ any, report ProgressFunc) error {
		if err := report(5, nil); err != nil {
			return err
		}

		<-ctx.Done()

		return ctx.Err()
	})

	w := NewWorker(r, notifier, handler, 1, testLogger())
	w.Start(ctx)

	rec := newUploadRecord("r1")
	require.NoError(t, r.Add(ctx, rec))
	w.Enqueue(rec)

	require.Eventually(t, func() bool {
		return rec.Progress() != nil
	}, waitFor, tick)

	w.Stop()

	// Shutdown is not failure: the record stays inProgress with its last
	// progress so the next Start picks it up again.
	assert.Equal(t, StateInProgress, rec.State())
	assert.Equal(t, 0, notifier.failureCount())
	require.NotEmpty(t, store.last)
	assert.Equal(t, StateInProgress, store.last[0].State())
}
