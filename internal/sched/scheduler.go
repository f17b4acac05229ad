// Package sched implements the scheduler from spec.md §4.2: a list of
// services, each driven by an event bitmask, run cooperatively from the
// host's Service() entry point. No goroutines, no locks — this is the
// single real "thread" the engine ever runs on.
package sched

// ServiceFunc is invoked once per RunPending call when its owning Service
// has a non-zero event mask. It is expected to inspect its mask and clear
// the events it processed before returning.
type ServiceFunc func(events uint32)

// Service is one schedulable unit: an event mask and the function to run
// when that mask is non-zero.
type Service struct {
	fn     ServiceFunc
	events uint32
}

// Scheduler holds the registered services in registration order.
type Scheduler struct {
	services       []*Service
	running        bool
	requestService func()
}

// New constructs an empty Scheduler. requestService is invoked (per
// spec.md §4.2) whenever an event transitions a service from 0 to
// non-zero while no RunPending call is already in progress; it may be nil
// in tests that drive RunPending directly.
func New(requestService func()) *Scheduler {
	return &Scheduler{requestService: requestService}
}

// Register appends a new service and returns it. Services are iterated
// in registration order by RunPending, matching spec.md §4.2.
func (s *Scheduler) Register(fn ServiceFunc) *Service {
	svc := &Service{fn: fn}
	s.services = append(s.services, svc)
	return svc
}

// Unregister removes svc from the scheduler. It is a no-op if svc was
// never registered (or already removed).
func (s *Scheduler) Unregister(svc *Service) {
	for i, existing := range s.services {
		if existing == svc {
			s.services = append(s.services[:i], s.services[i+1:]...)
			return
		}
	}
}

// SetEvent raises the given bits on svc's event mask. If this is the
// transition from "no events pending" to "something is pending" and no
// RunPending is currently executing, requestService is invoked so the
// host schedules a RunPending call soon (spec.md §4.2).
func (s *Scheduler) SetEvent(svc *Service, mask uint32) {
	before := svc.events
	svc.events |= mask
	if before == 0 && svc.events != 0 && !s.running && s.requestService != nil {
		s.requestService()
	}
}

// ClearEvent lowers the given bits on svc's event mask.
func (s *Scheduler) ClearEvent(svc *Service, mask uint32) {
	svc.events &^= mask
}

// Events returns svc's currently pending event mask.
func (s *Scheduler) Events(svc *Service) uint32 { return svc.events }

// RunPending invokes, once each, the ServiceFunc of every service whose
// event mask was non-zero at entry, in registration order (spec.md
// §4.2's fairness rule: events set by an action during this call are
// deferred to the next RunPending). It must not be called reentrantly
// from within a ServiceFunc.
func (s *Scheduler) RunPending() {
	s.running = true
	defer func() { s.running = false }()

	// Snapshot which services have work and what their mask was, so a
	// service that re-sets its own events during this pass still runs at
	// most once (fairness) and newly-registered services from within a
	// ServiceFunc don't run in the same pass.
	type pending struct {
		svc    *Service
		events uint32
	}
	var due []pending
	for _, svc := range s.services {
		if svc.events != 0 {
			due = append(due, pending{svc, svc.events})
		}
	}

	for _, p := range due {
		p.svc.fn(p.events)
	}
}
