package store

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"observatory/pkg/device"
	"observatory/pkg/focus"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	l := log.New()
	l.SetOutput(io.Discard)

	s, err := Open(filepath.Join(t.TempDir(), "test.db"), l)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveResultAndHistory(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC().Truncate(time.Second)

	converged := focus.Result{
		Outcome:       focus.OutcomeConverged,
		Filter:        "L",
		FinalPosition: 1002,
		FWHM:          2.15,
		Samples:       []focus.Sample{{Position: 1000, FWHM: 2.2}},
		Finished:      now,
	}
	reverted := focus.Result{
		Outcome:       focus.OutcomeReverted,
		Filter:        "L",
		FinalPosition: 1100,
		Reason:        errors.New("boom"),
		ReasonText:    "boom",
		Finished:      now.Add(time.Minute),
	}

	require.NoError(t, s.SaveResult(converged))
	require.NoError(t, s.SaveResult(reverted))

	hist, err := s.History(0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, focus.OutcomeReverted, hist[0].Outcome)
	assert.Equal(t, "boom", hist[0].ReasonText)
	assert.Equal(t, focus.OutcomeConverged, hist[1].Outcome)
	assert.Equal(t, converged.Samples, hist[1].Samples)

	hist, err = s.History(1)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	// the reverted run does not replace the last good position
	pos, err := s.LastGoodPosition("L")
	require.NoError(t, err)
	assert.Equal(t, 1002, pos.Position)
	assert.Equal(t, 2.15, pos.FWHM)
}

func TestLastGoodPositionMissing(t *testing.T) {
	s := openTest(t)
	_, err := s.LastGoodPosition("Ha")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistoryIsPruned(t *testing.T) {
	s := openTest(t)
	s.maxHistory = 3

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveResult(focus.Result{Outcome: focus.OutcomeReverted, InitialPosition: i}))
	}

	hist, err := s.History(0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, 4, hist[0].InitialPosition)
	assert.Equal(t, 2, hist[2].InitialPosition)
}

func TestObserverRecordsCorrections(t *testing.T) {
	s := openTest(t)
	var o focus.Observer = s

	o.FocusCorrection(focus.Correction{Direction: device.DirIn, Before: 3, After: 3.5, Reversed: true})
	o.FocusCorrection(focus.Correction{Direction: device.DirOut, Before: 3, After: 2.5})

	got, err := s.Corrections(0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, device.DirOut, got[0].Direction)
	assert.True(t, got[1].Reversed)
}

func TestReopenKeepsHistory(t *testing.T) {
	l := log.New()
	l.SetOutput(io.Discard)
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, l)
	require.NoError(t, err)
	require.NoError(t, s.SaveResult(focus.Result{Outcome: focus.OutcomeConverged, Filter: "R", FinalPosition: 990}))
	require.NoError(t, s.Close())

	s, err = Open(path, l)
	require.NoError(t, err)
	defer s.Close()

	pos, err := s.LastGoodPosition("R")
	require.NoError(t, err)
	assert.Equal(t, 990, pos.Position)
}
