package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArmRejectsAlreadyInUse(t *testing.T) {
	w := New()
	e := &Entry{}
	require.NoError(t, w.Arm(e, 0, 100, 0))
	err := w.Arm(e, 0, 100, 0)
	assert.ErrorIs(t, err, ErrAlreadyInUse)
}

func TestTickFiresOneShotAndDetaches(t *testing.T) {
	w := New()
	fired := 0
	e := &Entry{Callback: func(ctx any) { fired++ }}
	require.NoError(t, w.Arm(e, 0, 10, 0))

	w.Tick(5)
	assert.Equal(t, 0, fired)
	assert.True(t, e.InUse())

	w.Tick(10)
	assert.Equal(t, 1, fired)
	assert.False(t, e.InUse(), "one-shot entry detaches after firing")

	w.Tick(20)
	assert.Equal(t, 1, fired, "detached entry does not fire again")
}

func TestTickReArmsPeriodicEntry(t *testing.T) {
	w := New()
	fired := 0
	e := &Entry{Callback: func(ctx any) { fired++ }}
	require.NoError(t, w.Arm(e, 0, 10, 10))

	w.Tick(10)
	assert.Equal(t, 1, fired)
	assert.True(t, e.InUse())

	w.Tick(15)
	assert.Equal(t, 1, fired, "not due yet")

	w.Tick(20)
	assert.Equal(t, 2, fired)
}

func TestTickFiresInInsertionOrderForTies(t *testing.T) {
	w := New()
	var order []string
	a := &Entry{Callback: func(ctx any) { order = append(order, "a") }}
	b := &Entry{Callback: func(ctx any) { order = append(order, "b") }}
	require.NoError(t, w.Arm(a, 0, 10, 0))
	require.NoError(t, w.Arm(b, 0, 10, 0))

	w.Tick(10)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestCancelDetachesWithoutFiring(t *testing.T) {
	w := New()
	fired := 0
	e := &Entry{Callback: func(ctx any) { fired++ }}
	require.NoError(t, w.Arm(e, 0, 10, 0))
	w.Cancel(e)
	assert.False(t, e.InUse())

	w.Tick(10)
	assert.Equal(t, 0, fired)
}

func TestCancelUnarmedIsNoop(t *testing.T) {
	w := New()
	e := &Entry{}
	assert.NotPanics(t, func() { w.Cancel(e) })
}

func TestTickHandlesWraparound(t *testing.T) {
	w := New()
	fired := 0
	e := &Entry{Callback: func(ctx any) { fired++ }}
	// Armed near the top of the 16-bit range, due just after it wraps to 0.
	require.NoError(t, w.Arm(e, 65530, 10, 0))

	w.Tick(5) // 65530 + 10 = 65540 mod 65536 = 4; currentMs=5 is past due
	assert.Equal(t, 1, fired)
}

func TestNextDelayReturnsSoonestEntry(t *testing.T) {
	w := New()
	a := &Entry{}
	b := &Entry{}
	require.NoError(t, w.Arm(a, 0, 100, 0))
	require.NoError(t, w.Arm(b, 0, 30, 0))

	delay, ok := w.NextDelay(0)
	require.True(t, ok)
	assert.Equal(t, uint16(30), delay)
}

func TestNextDelayNoEntries(t *testing.T) {
	w := New()
	_, ok := w.NextDelay(0)
	assert.False(t, ok)
}

func TestNextDelayWrapsAroundCorrectly(t *testing.T) {
	w := New()
	e := &Entry{}
	// Deadline just past the wrap point relative to "now".
	require.NoError(t, w.Arm(e, 65530, 10, 0)) // deadline = 4 (mod 2^16)

	delay, ok := w.NextDelay(65534)
	require.True(t, ok)
	assert.Equal(t, uint16(6), delay, "4 - 65534 wraps to 6 ms away")
}

func TestNextDelayZeroWhenAlreadyDue(t *testing.T) {
	w := New()
	e := &Entry{}
	require.NoError(t, w.Arm(e, 0, 10, 0))
	delay, ok := w.NextDelay(10)
	require.True(t, ok)
	assert.Equal(t, uint16(0), delay)
}
