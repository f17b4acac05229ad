package diag

import (
	"github.com/unicens-go/engine/internal/fsm"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"
)

// DeviceState tracks a remote node's synchronization lifecycle (spec.md
// §4.6.5).
type DeviceState uint8

const (
	DeviceUnsynced DeviceState = iota
	DeviceSyncing
	DeviceSynced
	DeviceUnsyncing
)

const (
	rsmIdle uint8 = iota
	rsmWaitInit
	rsmNumStates
)

const (
	rsmEvStart uint8 = iota + 1
	rsmEvAbort
	rsmEvInitOk
	rsmEvInitErr
	rsmEvTimeout
	rsmNumEvents
)

// RSMResultCode is the outcome delivered to a RemoteSync caller.
type RSMResultCode uint8

const (
	RSMSuccess RSMResultCode = iota
	RSMError
	RSMAborted
)

// RSMResult is one RemoteSync run's closing callback payload.
type RSMResult struct {
	Code  RSMResultCode
	State DeviceState
}

const fblockDeviceInit = 0x27

// RemoteSync drives spec.md §4.6.5's Remote-Device Sync FSM: issue
// DeviceInit.Start against a target and track device_state through to
// Synced (or back to Unsynced on failure).
type RemoteSync struct {
	*skeleton
	f      *fsm.FSM
	tx     *xcvr.Transceiver
	w      *timer.Wheel
	s      *sched.Scheduler
	now    func() uint16
	target uint16
	state  DeviceState
	report func(RSMResult)
}

// NewRemoteSync wires a RemoteSync FSM instance.
func NewRemoteSync(s *sched.Scheduler, tx *xcvr.Transceiver, w *timer.Wheel, now func() uint16, term *TerminationBus, net *NetworkBus, report func(RSMResult)) *RemoteSync {
	r := &RemoteSync{tx: tx, w: w, s: s, now: now, report: report, state: DeviceUnsynced}
	r.f = fsm.New(r.buildTable(), rsmNumEvents, rsmIdle, r)
	r.skeleton = newSkeleton(s, term, net, r, r.onTerminate, r.onNetOff)
	r.skeleton.SetDriver(func(uint32) { r.f.Service() })
	r.timer.Callback = func(any) {
		r.f.SetEvent(rsmEvTimeout)
		r.s.SetEvent(r.svc, eventRunMe)
	}
	return r
}

// State reports the device's current synchronization state.
func (r *RemoteSync) State() DeviceState { return r.state }

// SetReport replaces the closing-callback. NodeScripting uses this to bind
// a dedicated RemoteSync instance's completion to itself (spec.md §4.6.4's
// "dispatch to Remote Sync FSM if unsynced").
func (r *RemoteSync) SetReport(report func(RSMResult)) { r.report = report }

// Start begins synchronizing target. Returns false (no-op) if a run is
// already active.
func (r *RemoteSync) Start(target uint16) bool {
	if r.state == DeviceSyncing || r.state == DeviceUnsyncing {
		return false
	}
	r.target = target
	r.state = DeviceSyncing
	r.f.SetEvent(rsmEvStart)
	r.s.SetEvent(r.svc, eventRunMe)
	return true
}

// Abort cancels an in-progress sync.
func (r *RemoteSync) Abort() {
	r.f.SetEvent(rsmEvAbort)
	r.s.SetEvent(r.svc, eventRunMe)
}

func (r *RemoteSync) onTerminate() {
	r.w.Cancel(&r.timer)
	r.state = DeviceUnsynced
	r.f = fsm.New(r.buildTable(), rsmNumEvents, rsmIdle, r)
}

func (r *RemoteSync) onNetOff() {
	if r.f.State() == rsmIdle && r.state != DeviceSyncing {
		r.state = DeviceUnsynced
		return
	}
	r.w.Cancel(&r.timer)
	r.f = fsm.New(r.buildTable(), rsmNumEvents, rsmIdle, r)
	r.state = DeviceUnsynced
	r.report(RSMResult{Code: RSMError, State: r.state})
}

func (r *RemoteSync) arm(ms uint16) {
	r.w.Cancel(&r.timer)
	_ = r.w.Arm(&r.timer, r.now(), ms, 0)
}

func (r *RemoteSync) buildTable() fsm.Table {
	table := fsm.NewTable(rsmNumStates, rsmNumEvents)
	set := func(state, event uint8, next uint8, action fsm.ActionFunc) {
		table[int(state)*int(rsmNumEvents)+int(event)] = fsm.Transition{Action: action, Next: next}
	}

	set(rsmIdle, rsmEvStart, rsmWaitInit, func(ctx any, f *fsm.FSM) {
		ctx.(*RemoteSync).sendDeviceInit()
	})
	set(rsmWaitInit, rsmEvInitOk, rsmIdle, func(ctx any, f *fsm.FSM) {
		r := ctx.(*RemoteSync)
		r.state = DeviceSynced
		r.report(RSMResult{Code: RSMSuccess, State: r.state})
	})
	set(rsmWaitInit, rsmEvInitErr, rsmIdle, func(ctx any, f *fsm.FSM) {
		r := ctx.(*RemoteSync)
		r.state = DeviceUnsynced
		r.report(RSMResult{Code: RSMError, State: r.state})
	})
	set(rsmWaitInit, rsmEvTimeout, rsmIdle, func(ctx any, f *fsm.FSM) {
		r := ctx.(*RemoteSync)
		r.state = DeviceUnsynced
		r.report(RSMResult{Code: RSMError, State: r.state})
	})

	for state := uint8(1); state < rsmNumStates; state++ {
		set(state, rsmEvAbort, rsmIdle, func(ctx any, f *fsm.FSM) {
			r := ctx.(*RemoteSync)
			r.w.Cancel(&r.timer)
			r.state = DeviceUnsynced
			r.report(RSMResult{Code: RSMAborted, State: r.state})
		})
	}

	return table
}

func (r *RemoteSync) sendDeviceInit() {
	msg := r.tx.AllocTx(0)
	if msg == nil {
		r.f.SetEvent(rsmEvInitErr)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockDeviceInit, InstanceID: uint8(r.target), FunctionID: 0x01, OpCode: model.OpStart}
	_ = r.tx.OnReply(msg.Msg.FunctionID, model.OpStartResult, func(payload any) {
		r.tx.CancelReply(msg.Msg.FunctionID, model.OpError)
		r.w.Cancel(&r.timer)
		r.f.SetEvent(rsmEvInitOk)
		r.s.SetEvent(r.svc, eventRunMe)
	})
	_ = r.tx.OnReply(msg.Msg.FunctionID, model.OpError, func(payload any) {
		r.tx.CancelReply(msg.Msg.FunctionID, model.OpStartResult)
		r.w.Cancel(&r.timer)
		r.f.SetEvent(rsmEvInitErr)
		r.s.SetEvent(r.svc, eventRunMe)
	})
	r.arm(1000)
	r.tx.Send(msg)
}
