package timerset

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArmFiresAfterDuration(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)

	fired := make(chan struct{}, 1)
	s.Arm("retry:a", 10*time.Millisecond, func() { fired <- struct{}{} })

	clock.BlockUntil(1)
	assert.True(t, s.Armed("retry:a"))

	clock.Advance(10 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestArmReplacesPreviousTimerForSameID(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)

	var fires int
	s.Arm("retry:a", 10*time.Millisecond, func() { fires++ })
	clock.BlockUntil(1)

	// Re-arming under the same id cancels the first timer.
	fired := make(chan struct{}, 1)
	s.Arm("retry:a", 5*time.Millisecond, func() { fired <- struct{}{} })
	clock.BlockUntil(1)

	clock.Advance(10 * time.Millisecond)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("replacement timer never fired")
	}
	assert.Equal(t, 0, fires, "the superseded timer must not have fired")
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)

	s.Cancel("nothing-armed")

	s.Arm("retry:a", 10*time.Millisecond, func() {})
	clock.BlockUntil(1)
	require.True(t, s.Armed("retry:a"))

	s.Cancel("retry:a")
	s.Cancel("retry:a")
	assert.False(t, s.Armed("retry:a"))
}

func TestStopAllCancelsEveryTimer(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)

	s.Arm("retry:a", 10*time.Millisecond, func() {})
	s.Arm("retry:b", 20*time.Millisecond, func() {})
	clock.BlockUntil(2)

	s.StopAll()

	assert.False(t, s.Armed("retry:a"))
	assert.False(t, s.Armed("retry:b"))
}
