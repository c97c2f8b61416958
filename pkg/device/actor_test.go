package device

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

type tagged struct {
	tag  int
	fail bool
	boom bool
}

type recorder struct {
	mu   sync.Mutex
	tags []int
}

func (r *recorder) exec(cmd tagged) error {
	if cmd.boom {
		panic("driver exploded")
	}
	r.mu.Lock()
	r.tags = append(r.tags, cmd.tag)
	r.mu.Unlock()
	if cmd.fail {
		return errors.New("device fault")
	}
	return nil
}

func (r *recorder) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.tags...)
}

func stop(t *testing.T, a interface{ Stop(context.Context) error }) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}

func TestActorExecutesInSubmissionOrder(t *testing.T) {
	rec := &recorder{}
	a := NewActor[tagged](KindCamera, "cam", rec.exec, testLogger())
	a.Start()

	const n = 200
	want := make([]int, n)
	for i := 0; i < n; i++ {
		want[i] = i
		require.NoError(t, a.Submit(tagged{tag: i}))
	}
	stop(t, a)

	assert.Equal(t, want, rec.seen())
	assert.Equal(t, uint64(n), a.State().Executed)
}

func TestActorCrashHoldsQueueUntilRecovered(t *testing.T) {
	rec := &recorder{}
	a := NewActor[tagged](KindFocuser, "foc", rec.exec, testLogger())
	a.Start()

	require.NoError(t, a.Submit(tagged{tag: 1, fail: true}))
	require.NoError(t, a.Submit(tagged{tag: 2}))
	require.NoError(t, a.Submit(tagged{tag: 3}))

	require.True(t, a.Crashed().WaitTimeout(time.Second))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int{1}, rec.seen(), "queued commands must wait for recovery")

	st := a.State()
	assert.True(t, st.Crashed)
	assert.Equal(t, 2, st.Queued)
	assert.Equal(t, uint64(1), st.Crashes)

	a.Recover()
	stop(t, a)
	assert.Equal(t, []int{1, 2, 3}, rec.seen())
}

func TestActorPanicBecomesCrash(t *testing.T) {
	rec := &recorder{}
	a := NewActor[tagged](KindDome, "dome", rec.exec, testLogger())
	a.Start()

	require.NoError(t, a.Submit(tagged{boom: true}))
	assert.True(t, a.Crashed().WaitTimeout(time.Second))

	a.Recover()
	require.NoError(t, a.Submit(tagged{tag: 7}))
	stop(t, a)
	assert.Equal(t, []int{7}, rec.seen())
}

func TestActorSubmitAfterStop(t *testing.T) {
	a := NewActor[tagged](KindTelescope, "scope", (&recorder{}).exec, testLogger())
	a.Start()
	stop(t, a)

	assert.ErrorIs(t, a.Submit(tagged{tag: 1}), ErrActorStopped)
}

func TestActorStopDiscardsQueueWhenCrashed(t *testing.T) {
	rec := &recorder{}
	a := NewActor[tagged](KindCamera, "cam", rec.exec, testLogger())
	a.Start()

	require.NoError(t, a.Submit(tagged{tag: 1, fail: true}))
	require.NoError(t, a.Submit(tagged{tag: 2}))
	require.True(t, a.Crashed().WaitTimeout(time.Second))

	stop(t, a)
	assert.Equal(t, []int{1}, rec.seen())
}

func TestActorReconnectHeals(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	attempts := 0
	reconnect := func() error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("still offline")
		}
		return nil
	}

	a := NewActor[tagged](KindFocuser, "foc", rec.exec, testLogger(), WithReconnect(reconnect, 5*time.Millisecond))
	a.Start()

	require.NoError(t, a.Submit(tagged{tag: 1, fail: true}))
	require.NoError(t, a.Submit(tagged{tag: 2}))

	assert.Eventually(t, func() bool {
		return len(rec.seen()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, a.Crashed().IsSet())

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
	stop(t, a)
}
