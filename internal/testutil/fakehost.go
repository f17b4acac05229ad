// Package testutil provides an in-memory stand-in for the host platform
// that drives an Engine: a fake tick clock, a captured single-shot timer
// arm, a pending-service flag, and a record of every message the LLD
// would have transmitted. It exists so FSM and scheduler tests can drive
// the cooperative event loop without any real transport, the way the
// teacher's MockBackend exercises ublk's Backend interface without a
// real block device.
package testutil

import "github.com/unicens-go/engine/internal/model"

// FakeHost implements every host upcall spec.md §6 assigns to the
// integrator: TickCB, SetTimerCB, RequestServiceCB and LLD.Send. Tests
// read its fields directly rather than through accessor methods, since
// nothing here is concurrent.
type FakeHost struct {
	Now uint16

	// TimerArmed is true after a non-zero SetTimerCB call and false after
	// SetTimerCB(0); TimerDelay records the last requested delay.
	TimerArmed bool
	TimerDelay uint16

	// ServiceRequested counts how many times RequestServiceCB fired since
	// the last DrainServiceRequests.
	ServiceRequested int

	// Sent captures every message handed to LLD.Send, in order.
	Sent []model.Message

	// Errors captures every (code, detail) pair reported through
	// General.ErrorCB.
	Errors []FakeError
}

// FakeError is one recorded General.ErrorCB invocation.
type FakeError struct {
	Code   string
	Detail string
}

// NewFakeHost returns a FakeHost with its clock at zero.
func NewFakeHost() *FakeHost {
	return &FakeHost{}
}

// TickCB is passed as Config.General.TickCB.
func (h *FakeHost) TickCB() uint16 { return h.Now }

// SetTimerCB is passed as Config.General.SetTimerCB. A delay of zero
// disarms the timer, matching spec.md §4.1.
func (h *FakeHost) SetTimerCB(delayMs uint16) {
	h.TimerDelay = delayMs
	h.TimerArmed = delayMs != 0
}

// RequestServiceCB is passed as Config.General.RequestServiceCB.
func (h *FakeHost) RequestServiceCB() { h.ServiceRequested++ }

// Send is passed as Config.LLD.Send.
func (h *FakeHost) Send(msg model.Message) { h.Sent = append(h.Sent, msg) }

// ErrorCB is passed as Config.General.ErrorCB.
func (h *FakeHost) ErrorCB(code, detail string) {
	h.Errors = append(h.Errors, FakeError{Code: code, Detail: detail})
}

// LastSent returns the most recently sent message. It panics if nothing
// has been sent, the same way an out-of-range slice index would, since
// tests should only call it after asserting Sent is non-empty.
func (h *FakeHost) LastSent() model.Message {
	return h.Sent[len(h.Sent)-1]
}

// Advance moves the fake clock forward by deltaMs. It does not itself
// tick anything; callers pair it with a wheel.Tick or Engine.ReportTimeout
// call so the clock and the wheel stay in lockstep.
func (h *FakeHost) Advance(deltaMs uint16) uint16 {
	h.Now += deltaMs
	return h.Now
}

// ServiceRequestedSinceDrain reports whether RequestServiceCB fired
// since the last DrainServiceRequests call.
func (h *FakeHost) ServiceRequestedSinceDrain() bool { return h.ServiceRequested > 0 }

// DrainServiceRequests resets the pending-service counter, mirroring the
// host's RunPending-then-clear loop.
func (h *FakeHost) DrainServiceRequests() {
	h.ServiceRequested = 0
}

// Reset clears all captured state, leaving the clock untouched.
func (h *FakeHost) Reset() {
	h.TimerArmed = false
	h.TimerDelay = 0
	h.ServiceRequested = 0
	h.Sent = nil
	h.Errors = nil
}
