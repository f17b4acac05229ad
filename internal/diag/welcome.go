package diag

import (
	"github.com/unicens-go/engine/internal/fsm"
	"github.com/unicens-go/engine/internal/model"
	"github.com/unicens-go/engine/internal/sched"
	"github.com/unicens-go/engine/internal/timer"
	"github.com/unicens-go/engine/internal/xcvr"
)

const (
	welIdle uint8 = iota
	welWaitResult
	welNumStates
)

const (
	welEvStart uint8 = iota + 1
	welEvAbort
	welEvSuccess
	welEvNoSuccess
	welEvTimeout
	welNumEvents
)

// WelcomeResultCode classifies the Welcome.Result reply by byte 0
// (spec.md §4.6.5).
type WelcomeResultCode uint8

const (
	WelcomeSuccess WelcomeResultCode = iota
	WelcomeNoSuccess
	WelcomeTimedOut
	WelcomeAborted
)

// WelcomeResult is a standalone Welcome run's closing callback payload.
type WelcomeResult struct {
	Code WelcomeResultCode
}

// Welcome runs spec.md §4.6.5's standalone Welcome FSM: send Welcome.Start
// carrying a node's signature and classify the Welcome.StartResult reply.
type Welcome struct {
	*skeleton
	f         *fsm.FSM
	tx        *xcvr.Transceiver
	w         *timer.Wheel
	s         *sched.Scheduler
	now       func() uint16
	adminAddr uint16
	sig       model.Signature
	report    func(WelcomeResult)
}

// NewWelcome wires a Welcome FSM instance.
func NewWelcome(s *sched.Scheduler, tx *xcvr.Transceiver, w *timer.Wheel, now func() uint16, term *TerminationBus, net *NetworkBus, report func(WelcomeResult)) *Welcome {
	wl := &Welcome{tx: tx, w: w, s: s, now: now, report: report}
	wl.f = fsm.New(wl.buildTable(), welNumEvents, welIdle, wl)
	wl.skeleton = newSkeleton(s, term, net, wl, wl.onTerminate, wl.onNetOff)
	wl.skeleton.SetDriver(func(uint32) { wl.f.Service() })
	wl.timer.Callback = func(any) {
		wl.f.SetEvent(welEvTimeout)
		wl.s.SetEvent(wl.svc, eventRunMe)
	}
	return wl
}

// Start sends Welcome.Start carrying sig for confirmation. adminAddr is
// recorded on the instance but is not placed in the message.
func (wl *Welcome) Start(adminAddr uint16, sig model.Signature) {
	wl.f.SetEvent(welEvStart)
	wl.adminAddr = adminAddr
	wl.sig = sig
	wl.s.SetEvent(wl.svc, eventRunMe)
}

// Abort cancels an in-progress Welcome run.
func (wl *Welcome) Abort() {
	wl.f.SetEvent(welEvAbort)
	wl.s.SetEvent(wl.svc, eventRunMe)
}

func (wl *Welcome) onTerminate() {
	wl.w.Cancel(&wl.timer)
	wl.f = fsm.New(wl.buildTable(), welNumEvents, welIdle, wl)
}

func (wl *Welcome) onNetOff() {
	if wl.f.State() == welIdle {
		return
	}
	wl.w.Cancel(&wl.timer)
	wl.f = fsm.New(wl.buildTable(), welNumEvents, welIdle, wl)
	wl.report(WelcomeResult{Code: WelcomeTimedOut})
}

func (wl *Welcome) arm(ms uint16) {
	wl.w.Cancel(&wl.timer)
	_ = wl.w.Arm(&wl.timer, wl.now(), ms, 0)
}

func (wl *Welcome) buildTable() fsm.Table {
	table := fsm.NewTable(welNumStates, welNumEvents)
	set := func(state, event uint8, next uint8, action fsm.ActionFunc) {
		table[int(state)*int(welNumEvents)+int(event)] = fsm.Transition{Action: action, Next: next}
	}

	set(welIdle, welEvStart, welWaitResult, func(ctx any, f *fsm.FSM) {
		ctx.(*Welcome).sendWelcome()
	})
	set(welWaitResult, welEvSuccess, welIdle, func(ctx any, f *fsm.FSM) {
		ctx.(*Welcome).report(WelcomeResult{Code: WelcomeSuccess})
	})
	set(welWaitResult, welEvNoSuccess, welIdle, func(ctx any, f *fsm.FSM) {
		ctx.(*Welcome).report(WelcomeResult{Code: WelcomeNoSuccess})
	})
	set(welWaitResult, welEvTimeout, welIdle, func(ctx any, f *fsm.FSM) {
		ctx.(*Welcome).report(WelcomeResult{Code: WelcomeTimedOut})
	})
	for state := uint8(1); state < welNumStates; state++ {
		set(state, welEvAbort, welIdle, func(ctx any, f *fsm.FSM) {
			wl := ctx.(*Welcome)
			wl.w.Cancel(&wl.timer)
			wl.report(WelcomeResult{Code: WelcomeAborted})
		})
	}
	return table
}

// sendWelcome sends Welcome.Start with the encoded signature as its only
// payload. The message carries no destination or admin address: the
// adminAddr recorded by Start is not sent, and nothing reads it.
func (wl *Welcome) sendWelcome() {
	sigBytes := model.EncodeSignature(wl.sig)
	msg := wl.tx.AllocTx(len(sigBytes))
	if msg == nil {
		wl.f.SetEvent(welEvTimeout)
		return
	}
	msg.Msg = model.Message{FBlockID: fblockWelcome, FunctionID: 0x01, OpCode: model.OpStart, Data: sigBytes}
	_ = wl.tx.OnReply(msg.Msg.FunctionID, model.OpStartResult, func(payload any) {
		wl.w.Cancel(&wl.timer)
		rx := payload.(model.Message)
		if len(rx.Data) > 0 && rx.Data[0] == 0 {
			wl.f.SetEvent(welEvSuccess)
		} else {
			wl.f.SetEvent(welEvNoSuccess)
		}
		wl.s.SetEvent(wl.svc, eventRunMe)
	})
	wl.arm(100)
	wl.tx.Send(msg)
}
