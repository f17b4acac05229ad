// Package xcvr implements the transceiver façade (spec.md §4.4) and the
// API-lock manager (spec.md §4.7) that guards it.
package xcvr

import "github.com/unicens-go/engine/internal/timer"

// TimeoutFunc is invoked for a bit that expired without a reply. It
// receives exactly the bit that timed out so the caller can build its own
// synthetic timeout result and feed it to the blocked single-shot
// observer (spec.md §4.4's "Per-API locking" paragraph).
type TimeoutFunc func(bit uint32)

// LockManager owns the mutual-exclusion bitmask shared by every API that
// demands sole use of the reply channel. A single countdown covers the
// whole mask: it starts on the 0→non-zero transition and, on expiry,
// fires every bit still set and clears the mask (spec.md §4.7).
type LockManager struct {
	wheel     *timer.Wheel
	timeoutMs uint16

	mask      uint32
	observers map[uint32]TimeoutFunc
	entry     timer.Entry
}

// NewLockManager constructs a manager whose countdown runs timeoutMs
// milliseconds from the moment the mask first becomes non-zero. Armed
// entries are driven by wheel, which the caller ticks forward as usual.
func NewLockManager(wheel *timer.Wheel, timeoutMs uint16) *LockManager {
	m := &LockManager{
		wheel:     wheel,
		timeoutMs: timeoutMs,
		observers: make(map[uint32]TimeoutFunc),
	}
	m.entry.Callback = func(ctx any) { ctx.(*LockManager).fire() }
	m.entry.Context = m
	return m
}

// TryAcquire sets bit if it is not already held, registering onTimeout to
// run if the countdown expires before Release(bit) is called. Returns
// false if bit was already set (spec.md: "If the bit is already set,
// return 'api locked'" — translated to a bool here; the caller maps it to
// the public ResultCode).
func (m *LockManager) TryAcquire(now uint16, bit uint32, onTimeout TimeoutFunc) bool {
	if m.mask&bit != 0 {
		return false
	}
	wasEmpty := m.mask == 0
	m.mask |= bit
	m.observers[bit] = onTimeout
	if wasEmpty {
		_ = m.wheel.Arm(&m.entry, now, m.timeoutMs, 0)
	}
	return true
}

// Release clears bit. If the mask becomes empty the countdown is
// canceled.
func (m *LockManager) Release(bit uint32) {
	m.mask &^= bit
	delete(m.observers, bit)
	if m.mask == 0 {
		m.wheel.Cancel(&m.entry)
	}
}

// Held reports whether bit is currently set.
func (m *LockManager) Held(bit uint32) bool { return m.mask&bit != 0 }

// fire is the timer callback: every bit still set is timed out in
// ascending bit order and the whole mask is cleared, matching spec.md
// §4.7 ("iterates the set bits, invokes each associated observer ...,
// and clears the bits").
func (m *LockManager) fire() {
	expired := m.mask
	obs := m.observers
	m.mask = 0
	m.observers = make(map[uint32]TimeoutFunc)

	for bit := uint32(1); bit != 0 && expired != 0; bit <<= 1 {
		if expired&bit == 0 {
			continue
		}
		expired &^= bit
		if fn := obs[bit]; fn != nil {
			fn(bit)
		}
	}
}
