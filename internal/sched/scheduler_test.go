package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunPendingInvokesOnlyPendingServices(t *testing.T) {
	s := New(nil)
	var ran []string

	a := s.Register(func(events uint32) { ran = append(ran, "a") })
	b := s.Register(func(events uint32) { ran = append(ran, "b") })

	s.SetEvent(a, 0x1)
	s.RunPending()
	assert.Equal(t, []string{"a"}, ran)

	ran = nil
	s.SetEvent(b, 0x1)
	s.SetEvent(a, 0x2)
	s.RunPending()
	assert.ElementsMatch(t, []string{"a", "b"}, ran)
}

func TestRunPendingPreservesRegistrationOrder(t *testing.T) {
	s := New(nil)
	var ran []string

	first := s.Register(func(events uint32) { ran = append(ran, "first") })
	second := s.Register(func(events uint32) { ran = append(ran, "second") })
	third := s.Register(func(events uint32) { ran = append(ran, "third") })

	s.SetEvent(third, 1)
	s.SetEvent(first, 1)
	s.SetEvent(second, 1)
	s.RunPending()

	assert.Equal(t, []string{"first", "second", "third"}, ran)
}

func TestClearEventLowersMask(t *testing.T) {
	s := New(nil)
	svc := s.Register(func(events uint32) {})
	s.SetEvent(svc, 0x3)
	s.ClearEvent(svc, 0x1)
	assert.Equal(t, uint32(0x2), s.Events(svc))
}

func TestEventsReSetDuringRunPendingDeferToNextPass(t *testing.T) {
	s := New(nil)
	var calls int

	var svc *Service
	svc = s.Register(func(events uint32) {
		calls++
		s.ClearEvent(svc, events)
		// Re-arm self: must NOT run again within this RunPending call.
		s.SetEvent(svc, 0x1)
	})

	s.SetEvent(svc, 0x1)
	s.RunPending()
	assert.Equal(t, 1, calls)

	s.RunPending()
	assert.Equal(t, 2, calls, "self re-armed event fires on the next RunPending")
}

func TestSetEventRequestsServiceOnlyOnRisingEdge(t *testing.T) {
	requests := 0
	s := New(func() { requests++ })
	svc := s.Register(func(events uint32) {})

	s.SetEvent(svc, 0x1)
	assert.Equal(t, 1, requests)

	s.SetEvent(svc, 0x2)
	assert.Equal(t, 1, requests, "already-pending service must not re-request")

	s.ClearEvent(svc, 0x3)
	s.SetEvent(svc, 0x1)
	assert.Equal(t, 2, requests, "0 to non-zero transition requests service again")
}

func TestSetEventDuringRunPendingDoesNotRequestService(t *testing.T) {
	requests := 0
	s := New(func() { requests++ })

	var other *Service
	svc := s.Register(func(events uint32) {
		s.SetEvent(other, 0x1)
	})
	other = s.Register(func(events uint32) {})

	s.SetEvent(svc, 0x1)
	assert.Equal(t, 1, requests)

	s.RunPending()
	assert.Equal(t, 1, requests, "requestService must not fire reentrantly from within RunPending")
}

func TestUnregisterRemovesService(t *testing.T) {
	s := New(nil)
	var ran bool
	svc := s.Register(func(events uint32) { ran = true })
	s.Unregister(svc)
	s.SetEvent(svc, 0x1)
	s.RunPending()
	assert.False(t, ran)
}
