package xcvr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicens-go/engine/internal/timer"
)

func TestTryAcquireRejectsAlreadyHeldBit(t *testing.T) {
	w := timer.New()
	m := NewLockManager(w, 1000)

	ok := m.TryAcquire(0, 0x1, nil)
	require.True(t, ok)

	ok = m.TryAcquire(0, 0x1, nil)
	assert.False(t, ok)
}

func TestReleaseClearsBitAndCancelsWhenEmpty(t *testing.T) {
	w := timer.New()
	m := NewLockManager(w, 1000)

	require.True(t, m.TryAcquire(0, 0x1, nil))
	m.Release(0x1)
	assert.False(t, m.Held(0x1))

	// Countdown canceled: ticking well past the timeout must not fire.
	fired := false
	require.True(t, m.TryAcquire(0, 0x1, func(bit uint32) { fired = true }))
	m.Release(0x1)
	w.Tick(5000)
	assert.False(t, fired)
}

func TestCountdownFiresEveryHeldBitAndClearsMask(t *testing.T) {
	w := timer.New()
	m := NewLockManager(w, 1000)

	var expired []uint32
	require.True(t, m.TryAcquire(0, 0x1, func(bit uint32) { expired = append(expired, bit) }))
	require.True(t, m.TryAcquire(0, 0x2, func(bit uint32) { expired = append(expired, bit) }))

	w.Tick(999)
	assert.Empty(t, expired)

	w.Tick(1000)
	assert.ElementsMatch(t, []uint32{0x1, 0x2}, expired)
	assert.False(t, m.Held(0x1))
	assert.False(t, m.Held(0x2))
}

func TestSecondAcquireAfterFirstReleaseDoesNotInheritOldDeadline(t *testing.T) {
	w := timer.New()
	m := NewLockManager(w, 1000)

	require.True(t, m.TryAcquire(0, 0x1, nil))
	m.Release(0x1)

	fired := false
	require.True(t, m.TryAcquire(500, 0x1, func(bit uint32) { fired = true }))

	w.Tick(1000) // only 500ms since the second acquire
	assert.False(t, fired)

	w.Tick(1500)
	assert.True(t, fired)
}
