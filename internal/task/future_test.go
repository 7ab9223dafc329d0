package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwaitDeliversValue(t *testing.T) {
	f := Go("sum", func() (int, error) { return 42, nil })
	v, err := f.Await(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	// Cached on the second call.
	v, err = f.Await(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestAwaitTimeoutThenLateResult(t *testing.T) {
	release := make(chan struct{})
	f := Go("slow", func() (string, error) {
		<-release
		return "late", nil
	})

	_, err := f.Await(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "slow")

	close(release)
	v, err := f.Await(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", v)
}

func TestPanicBecomesError(t *testing.T) {
	f := Go("crash", func() (int, error) {
		panic("tool exploded")
	})
	_, err := f.Await(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool exploded")
}

func TestWaitDropsValueKeepsError(t *testing.T) {
	want := errors.New("skipped")
	f := Go("noop", func() (int, error) { return 0, want })
	assert.ErrorIs(t, f.Wait(time.Second), want)

	slow := Go("slow", func() (int, error) {
		time.Sleep(time.Second)
		return 1, nil
	})
	assert.ErrorIs(t, slow.Wait(time.Millisecond), ErrTimeout)
}
