package transfer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_StringParseRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindUpload, KindDownload, KindCopy} {
		parsed, err := ParseKind(kind.String())
		require.NoError(t, err)
		assert.Equal(t, kind, parsed)
	}

	_, err := ParseKind("sideload")
	assert.Error(t, err)
}

func TestState_StringParseRoundTrip(t *testing.T) {
	states := []State{
		StatePending, StateInProgress, StatePaused,
		StateCompleted, StateFailed, StateCancelled,
	}

	for _, state := range states {
		parsed, err := ParseState(state.String())
		require.NoError(t, err)
		assert.Equal(t, state, parsed)
	}

	_, err := ParseState("limbo")
	assert.Error(t, err)
}

func TestState_Terminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateInProgress.Terminal())
	assert.False(t, StatePaused.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateCancelled.Terminal())
}

func TestState_TransitionMatrix(t *testing.T) {
	allowed := map[State][]State{
		StatePending:    {StateInProgress, StateCancelled},
		StateInProgress: {StatePaused, StateCompleted, StateFailed, StateCancelled},
		StatePaused:     {StateInProgress, StateCancelled},
		StateCompleted:  {},
		StateFailed:     {},
		StateCancelled:  {},
	}

	all := []State{
		StatePending, StateInProgress, StatePaused,
		StateCompleted, StateFailed, StateCancelled,
	}

	for from, tos := range allowed {
		permitted := map[State]bool{}
		for _, to := range tos {
			permitted[to] = true
		}

		for _, to := range all {
			assert.Equal(t, permitted[to], from.CanTransition(to),
				"%s to %s", from, to)
		}
	}
}

func TestRecord_TransitionRejectsInvalid(t *testing.T) {
	rec := NewRecord(KindUpload, &Location{LocalPath: "/tmp/a"}, &Location{Container: "c", Name: "a"}, "r1")
	require.Equal(t, StatePending, rec.State())

	// pending cannot complete directly; the rejected transition never
	// mutates state.
	err := rec.transition(StateCompleted)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatePending, rec.State())

	require.NoError(t, rec.transition(StateInProgress))
	require.NoError(t, rec.transition(StatePaused))

	// paused may only resume or cancel.
	err = rec.transition(StateCompleted)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatePaused, rec.State())

	require.NoError(t, rec.transition(StateCancelled))

	// Terminal: everything else is rejected, re-entry is a no-op.
	assert.ErrorIs(t, rec.transition(StateInProgress), ErrInvalidTransition)
	assert.NoError(t, rec.transition(StateCancelled))
	assert.Equal(t, StateCancelled, rec.State())
}

func TestRecord_ProgressSnapshot(t *testing.T) {
	rec := NewRecord(KindDownload, &Location{Container: "c", Name: "a"}, &Location{LocalPath: "/tmp/a"}, "r1")
	require.Nil(t, rec.Progress())

	total := int64(1024)
	rec.setProgress(512, &total)

	p := rec.Progress()
	require.NotNil(t, p)
	assert.Equal(t, int64(512), p.Bytes)
	require.NotNil(t, p.Total)
	assert.Equal(t, int64(1024), *p.Total)

	// Snapshots are copies.
	p.Bytes = 9999
	assert.Equal(t, int64(512), rec.Progress().Bytes)
}

func TestProgress_Fraction(t *testing.T) {
	total := int64(200)

	fraction, ok := Progress{Bytes: 50, Total: &total}.Fraction()
	require.True(t, ok)
	assert.InDelta(t, 0.25, fraction, 1e-9)

	_, ok = Progress{Bytes: 50}.Fraction()
	assert.False(t, ok)

	zero := int64(0)
	_, ok = Progress{Bytes: 0, Total: &zero}.Fraction()
	assert.False(t, ok)
}

func TestProgress_String(t *testing.T) {
	total := int64(1000)
	s := Progress{Bytes: 500, Total: &total}.String()
	assert.Contains(t, s, "50%")

	s = Progress{Bytes: 500}.String()
	assert.NotContains(t, s, "%")
}

func TestRecord_SetError(t *testing.T) {
	rec := NewRecord(KindCopy, &Location{Container: "a", Name: "x"}, &Location{Container: "b", Name: "x"}, "r1")

	rec.setError(errors.New("container not found"))
	assert.Equal(t, "container not found", rec.ErrorMessage())
}
