// Package diag implements the diagnostic FSM family of spec.md §4.6: system
// diagnosis, node programming, back-channel diagnosis, node scripting, and
// the node discovery/welcome/cable-link/phy-test/remote-sync group, all
// built on the generic runtime in internal/fsm.
package diag

import (
	"github.com/unicens-go/engine/internal/observer"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
)

// netState is the net-on/net-off classification every diagnostic FSM
// tracks via its Plain network-status observer (spec.md §4.6).
type netState uint8

const (
	netUnknown netState = iota
	netOn
	netOff
)

// TerminationBus is the shared masked-observer bus every diagnostic FSM
// subscribes to so a fatal engine error forces it to idle (spec.md §4.6,
// §7's "Terminated" taxonomy entry).
type TerminationBus = observer.Masked

// NetworkBus is the shared plain-observer bus every diagnostic FSM
// subscribes to for net-on/net-off transitions.
type NetworkBus = observer.Plain

// TerminationKind values delivered over TerminationBus.
const TerminationKindFatal uint32 = 0x1

// skeleton bundles the wiring every diagnostic FSM shares: a scheduler
// service driven by a single "run me" event bit, a supervision timer, and
// subscriptions to the termination and network-status buses. Concrete
// FSMs embed *skeleton and supply their own fsm.Table.
//
// The scheduler service is registered with a driver that forwards to
// sk.driver, set by the concrete FSM after construction — this breaks the
// construction cycle where the driver needs to close over the FSM, which
// in turn needs the skeleton's scheduler Service to exist first.
type skeleton struct {
	svc    *sched.Service
	timer  timer.Entry
	net    netState
	driver func(events uint32)

	onTerminate func()
	onNetOff    func()
}

const eventRunMe uint32 = 0x1

// newSkeleton registers a scheduler service and subscribes to the shared
// buses. subject identifies this FSM instance on both buses (so each
// diagnostic FSM instance gets its own termination and net-status
// subscription slot). Call SetDriver once the concrete FSM exists.
func newSkeleton(s *sched.Scheduler, term *TerminationBus, net *NetworkBus, subject any, onTerminate, onNetOff func()) *skeleton {
	sk := &skeleton{onTerminate: onTerminate, onNetOff: onNetOff}
	sk.svc = s.Register(func(events uint32) {
		s.ClearEvent(sk.svc, eventRunMe)
		if sk.driver != nil {
			sk.driver(events)
		}
	})
	term.Add(subject, TerminationKindFatal, func(kind uint32, payload any) {
		if sk.onTerminate != nil {
			sk.onTerminate()
		}
	})
	_ = net.Add(subject, func(payload any) {
		on, _ := payload.(bool)
		if on {
			sk.net = netOn
		} else {
			wasOn := sk.net == netOn
			sk.net = netOff
			if wasOn && sk.onNetOff != nil {
				sk.onNetOff()
			}
		}
	})
	return sk
}

// SetDriver installs the function run every time the scheduler services
// this FSM's "run me" event — typically `func(uint32) { f.Service() }`.
func (sk *skeleton) SetDriver(drive func(events uint32)) { sk.driver = drive }

// requestRun raises the "run me" bit, per spec.md §4.6's single-event-bit
// skeleton.
func (sk *skeleton) requestRun(s *sched.Scheduler) { s.SetEvent(sk.svc, eventRunMe) }
