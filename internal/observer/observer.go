// Package observer implements the three observer flavors from spec.md
// §4.3: single-shot request/reply correlation, masked fan-out, and plain
// fan-out. Every registry follows the ownership rule of spec.md §3 —
// observers are embedded in the caller's FSM/service, never allocated by
// the registry itself.
package observer

import "errors"

// Subject identifies what is being observed. Its concrete meaning is
// owned by the caller (a (function_id, op_type) pair for the
// transceiver, a result bus key for diagnostics, …); the registries only
// ever compare it for equality.
type Subject any

// ErrAlreadyObserving is returned by Single.Add and Plain.Add when the
// subject already has an observer (compared on subject alone). Masked.Add
// does not check for duplicates.
var ErrAlreadyObserving = errors.New("observer: already observing this subject")

// SingleShotFunc is invoked by Single's Notify. If consume was requested,
// the subject has already been cleared by the time this runs, so the
// callback may re-subscribe to the same subject immediately.
type SingleShotFunc func(payload any)

type singleEntry struct {
	subject Subject
	fn      SingleShotFunc
}

// Single implements `ssub`: at most one observer per subject, intended for
// request/reply correlation where the subject is consumed on delivery.
type Single struct {
	entries []singleEntry
}

// NewSingle constructs an empty single-shot registry.
func NewSingle() *Single { return &Single{} }

// Add registers fn for subject. Adding a second observer for a subject
// that already has one returns ErrAlreadyObserving without effect.
func (s *Single) Add(subject Subject, fn SingleShotFunc) error {
	for _, e := range s.entries {
		if e.subject == subject {
			return ErrAlreadyObserving
		}
	}
	s.entries = append(s.entries, singleEntry{subject, fn})
	return nil
}

// Remove detaches the observer for subject, if any.
func (s *Single) Remove(subject Subject) {
	for i, e := range s.entries {
		if e.subject == subject {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Notify delivers payload to the observer registered for subject, if any.
// When consume is true the observer is detached before the callback runs,
// so a callback that re-Adds itself for the same subject is not
// immediately removed again by this call. Returns whether an observer was
// found.
func (s *Single) Notify(subject Subject, payload any, consume bool) bool {
	for i, e := range s.entries {
		if e.subject == subject {
			if consume {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
			}
			e.fn(payload)
			return true
		}
	}
	return false
}

// MaskedFunc is invoked by Masked's Notify for every observer whose mask
// intersects the notified kind.
type MaskedFunc func(kind uint32, payload any)

type maskedEntry struct {
	subject Subject
	mask    uint32
	fn      MaskedFunc
}

// Masked implements `mobs`: many observers per subject, each filtering on
// a bitmask of kinds. Used for the termination bus in spec.md §4.6, where
// every diagnostic FSM subscribes with the kinds it cares about.
type Masked struct {
	entries []maskedEntry
}

// NewMasked constructs an empty masked registry.
func NewMasked() *Masked { return &Masked{} }

// Add registers fn for subject, invoked only when a notified kind
// intersects mask. Adding the same (subject, fn) identity twice is not
// detected here — callers add distinct closures per FSM instance, so
// duplicate-subject detection is left to Single where correlation
// semantics require it.
func (m *Masked) Add(subject Subject, mask uint32, fn MaskedFunc) {
	m.entries = append(m.entries, maskedEntry{subject, mask, fn})
}

// Remove detaches every observer registered for subject.
func (m *Masked) Remove(subject Subject) {
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.subject != subject {
			kept = append(kept, e)
		}
	}
	m.entries = kept
}

// Notify fans payload out to every observer on subject whose mask
// intersects kind.
func (m *Masked) Notify(subject Subject, kind uint32, payload any) {
	for _, e := range m.entries {
		if e.subject == subject && e.mask&kind != 0 {
			e.fn(kind, payload)
		}
	}
}

// PlainFunc is invoked by Plain's Notify for every registered observer.
type PlainFunc func(payload any)

type plainEntry struct {
	subject Subject
	fn      PlainFunc
}

// Plain implements `obs`: unconditional fan-out to every observer on a
// subject, e.g. the net-on/net-off bus in spec.md §4.6.
type Plain struct {
	entries []plainEntry
}

// NewPlain constructs an empty plain registry.
func NewPlain() *Plain { return &Plain{} }

// Add registers fn for subject. Adding fn twice for the same subject
// returns ErrAlreadyObserving; equality is compared on subject alone,
// consistent with Single.
func (p *Plain) Add(subject Subject, fn PlainFunc) error {
	for _, e := range p.entries {
		if e.subject == subject {
			return ErrAlreadyObserving
		}
	}
	p.entries = append(p.entries, plainEntry{subject, fn})
	return nil
}

// Remove detaches the observer registered for subject, if any.
func (p *Plain) Remove(subject Subject) {
	for i, e := range p.entries {
		if e.subject == subject {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return
		}
	}
}

// Notify delivers payload to every observer on subject.
func (p *Plain) Notify(subject Subject, payload any) {
	for _, e := range p.entries {
		if e.subject == subject {
			e.fn(payload)
		}
	}
}
